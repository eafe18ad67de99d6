// Package stagehand provides a top-level convenience entry point that wires
// the browser, the GLM client, the cache subsystem and the handlers together.
//
// Usage:
//
//	import stagehand "github.com/srszzw/stagehand-glm"
//
//	sh, err := stagehand.New(stagehand.WithConfigPath("config.yaml"))
//	defer sh.Close()
//
//	results, err := sh.Observe(ctx, schema.ObserveOptions{Instruction: "find the login button", FromCache: true})
package stagehand

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/browser"
	"github.com/srszzw/stagehand-glm/cache"
	"github.com/srszzw/stagehand-glm/config"
	"github.com/srszzw/stagehand-glm/handlers"
	"github.com/srszzw/stagehand-glm/internal/metrics"
	"github.com/srszzw/stagehand-glm/internal/telemetry"
	"github.com/srszzw/stagehand-glm/llm"
	"github.com/srszzw/stagehand-glm/schema"
)

// Stagehand 一个受控浏览器会话加上缓存化的 observe/act/agent 能力。
type Stagehand struct {
	page        browser.Page
	coordinator *cache.Coordinator
	observe     *handlers.ObserveHandler
	act         *handlers.ActHandler
	agent       *handlers.AgentExecutor
	exporter    *metrics.Exporter
	collector   *metrics.Collector
	telemetry   *telemetry.Providers
	sessionID   string
	logger      *zap.Logger
}

// Option 配置 New 创建的会话。
type Option func(*options)

type options struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
	page       browser.Page
	client     llm.Client
	collector  *metrics.Collector
}

// WithConfigPath 从 YAML 文件加载配置。
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithConfig 直接注入配置，跳过文件加载。
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger 注入自定义 zap logger。
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPage 注入已有的页面实现（测试时用假页面）。
func WithPage(page browser.Page) Option {
	return func(o *options) { o.page = page }
}

// WithClient 注入已有的 LLM 客户端。
func WithClient(client llm.Client) Option {
	return func(o *options) { o.client = client }
}

// WithMetrics 注入 Prometheus 收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// New 组装一个完整的 Stagehand 会话。
func New(opts ...Option) (*Stagehand, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		loaded, err := config.NewLoader().WithConfigPath(o.configPath).Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// 会话标识随所有日志输出，便于多会话并行时排查
	sessionID := uuid.NewString()
	logger = logger.With(zap.String("session_id", sessionID))

	var tel *telemetry.Providers
	if cfg.Telemetry.Enabled {
		p, err := telemetry.Init(cfg.Telemetry, logger,
			telemetry.WithSessionID(sessionID),
			telemetry.WithCacheBackend(cfg.Cache.Backend),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to init telemetry: %w", err)
		}
		tel = p
	}

	page := o.page
	if page == nil {
		p, err := browser.NewChromePage(browser.PageConfig{
			Headless:       cfg.Browser.Headless,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			UserAgent:      cfg.Browser.UserAgent,
			ProxyURL:       cfg.Browser.ProxyURL,
			Timeout:        cfg.Browser.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
		page = p
	}

	client := o.client
	if client == nil {
		client = llm.NewGLMProvider(llm.GLMConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
			RPS:     cfg.LLM.RPS,
		}, logger)
	}
	if o.collector != nil {
		client = &instrumentedClient{inner: client, collector: o.collector}
	}

	var coordinator *cache.Coordinator
	if cfg.Cache.Enabled {
		store, err := cache.NewStore(cache.StoreConfig{
			Type:       cache.StoreType(cfg.Cache.Backend),
			Path:       cfg.Cache.Path,
			SQLitePath: cfg.Cache.SQLitePath,
			Redis: cache.RedisStoreConfig{
				Addr:      cfg.Cache.Redis.Addr,
				Password:  cfg.Cache.Redis.Password,
				DB:        cfg.Cache.Redis.DB,
				KeyPrefix: cfg.Cache.Redis.KeyPrefix,
				PoolSize:  cfg.Cache.Redis.PoolSize,
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache store: %w", err)
		}

		var strategy cache.CompareStrategy
		if cfg.Cache.Strategy == "adaptive" {
			strategy = cache.AdaptiveStrategy{}
		} else {
			strategy = cache.StrictStrategy{}
		}

		validator := cache.NewValidator(cfg.Cache.TTL, strategy, logger)
		coordOpts := []cache.CoordinatorOption{}
		if o.collector != nil {
			coordOpts = append(coordOpts, cache.WithMetrics(o.collector))
		}
		coordinator = cache.NewCoordinator(store, validator, logger, coordOpts...)
	}

	executor, ok := page.(cache.ActionExecutor)
	if !ok {
		return nil, fmt.Errorf("page implementation does not support action replay")
	}
	replayer := cache.NewReplayer(executor, cfg.Cache.ActionDelay, logger)

	var exporter *metrics.Exporter
	if cfg.Telemetry.MetricsPort > 0 {
		exporter = metrics.NewExporter(cfg.Telemetry.MetricsPort, logger)
		if err := exporter.Start(); err != nil {
			return nil, fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
	}

	observe := handlers.NewObserveHandler(client, coordinator, logger)

	return &Stagehand{
		page:        page,
		coordinator: coordinator,
		observe:     observe,
		act:         handlers.NewActHandler(observe, logger),
		agent:       handlers.NewAgentExecutor(client, coordinator, replayer, logger),
		exporter:    exporter,
		collector:   o.collector,
		telemetry:   tel,
		sessionID:   sessionID,
		logger:      logger,
	}, nil
}

// instrumentedClient 给 LLM 调用挂上请求计数与耗时指标。
type instrumentedClient struct {
	inner     llm.Client
	collector *metrics.Collector
}

func (c *instrumentedClient) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := c.inner.Completion(ctx, req)

	status := "ok"
	model := req.Model
	prompt, completion := 0, 0
	if err != nil {
		status = "error"
	}
	if resp != nil {
		if resp.Model != "" {
			model = resp.Model
		}
		prompt = resp.Usage.PromptTokens
		completion = resp.Usage.CompletionTokens
	}
	c.collector.RecordLLMRequest(c.inner.Name(), model, status, time.Since(start), prompt, completion)
	return resp, err
}

func (c *instrumentedClient) Name() string { return c.inner.Name() }

// Page 返回底层页面句柄。
func (s *Stagehand) Page() browser.Page { return s.page }

// SessionID 本次会话的唯一标识。
func (s *Stagehand) SessionID() string { return s.sessionID }

// Cache 返回缓存协调器，缓存禁用时为 nil。
func (s *Stagehand) Cache() *cache.Coordinator { return s.coordinator }

// Navigate 导航到 URL。
func (s *Stagehand) Navigate(ctx context.Context, url string) error {
	return s.page.Navigate(ctx, url)
}

// Observe 执行一次观察。
func (s *Stagehand) Observe(ctx context.Context, opts schema.ObserveOptions) ([]schema.ObserveResult, error) {
	start := time.Now()
	results, err := s.observe.Observe(ctx, s.page, opts)
	s.recordOperation("observe", start, err)
	return results, err
}

// Act 执行一条自然语言动作。
func (s *Stagehand) Act(ctx context.Context, opts schema.ActOptions) (*schema.ActResult, error) {
	start := time.Now()
	result, err := s.act.Act(ctx, s.page, opts)
	s.recordOperation("act", start, err)
	return result, err
}

// Agent 执行多步任务。
func (s *Stagehand) Agent(ctx context.Context, instruction string) (*handlers.AgentResult, error) {
	result, err := s.agent.Execute(ctx, s.page, instruction)
	if s.collector != nil && result != nil {
		s.collector.RecordReplay(result.Success, result.Duration)
	}
	return result, err
}

func (s *Stagehand) recordOperation(op string, start time.Time, err error) {
	if s.collector == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.collector.RecordOperation(op, status, time.Since(start))
}

// Close 依次关闭遥测、指标端点、缓存与浏览器。
func (s *Stagehand) Close() error {
	var firstErr error
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(context.Background()); err != nil {
			firstErr = err
		}
	}
	if s.exporter != nil {
		if err := s.exporter.Shutdown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.coordinator != nil {
		if err := s.coordinator.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.page.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
