package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/srszzw/stagehand-glm/cache"
	"github.com/srszzw/stagehand-glm/schema"
)

// ChromePage 基于 chromedp 的 Page 实现
type ChromePage struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	config      PageConfig
	logger      *zap.Logger
	limiter     *rate.Limiter
	mu          sync.Mutex
}

// NewChromePage 启动浏览器并返回页面句柄
func NewChromePage(config PageConfig, logger *zap.Logger) (*ChromePage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.WindowSize(config.ViewportWidth, config.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(config.UserAgent))
	}
	if config.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(config.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	if config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
	}

	page := &ChromePage{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		logger:      logger.With(zap.String("component", "chrome_page")),
		// 动作节奏限制，避免把事件打得比页面反应还快
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}

	if err := chromedp.Run(ctx); err != nil {
		allocCancel()
		cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info("chrome page started",
		zap.Bool("headless", config.Headless),
		zap.Int("viewport_w", config.ViewportWidth),
		zap.Int("viewport_h", config.ViewportHeight))

	return page, nil
}

// Navigate 导航到 URL
func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Debug("navigating", zap.String("url", url))
	return chromedp.Run(p.ctx, chromedp.Navigate(url))
}

// Context 返回当前页面上下文
func (p *ChromePage) Context(ctx context.Context) (schema.PageContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var url, title string
	if err := chromedp.Run(p.ctx,
		chromedp.Location(&url),
		chromedp.Title(&title),
	); err != nil {
		return schema.PageContext{}, fmt.Errorf("failed to read page context: %w", err)
	}

	return schema.PageContext{
		URL:            url,
		Title:          title,
		ViewportWidth:  p.config.ViewportWidth,
		ViewportHeight: p.config.ViewportHeight,
	}, nil
}

// Screenshot 截取整页截图
func (p *ChromePage) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf []byte
	if err := chromedp.Run(p.ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// selectorQuery 根据选择器形态选查询方式：XPath 走 BySearch，其余按 CSS
func selectorQuery(selector string) chromedp.QueryOption {
	if strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(") ||
		strings.HasPrefix(selector, "./") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// ResolveSelector 判定选择器当前是否解析到元素
func (p *ChromePage) ResolveSelector(ctx context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 短超时：解析不到就赶紧回答「不在」，别拖住整个命中路径
	resolveCtx, cancel := context.WithTimeout(p.ctx, 3*time.Second)
	defer cancel()

	var nodes []*cdp.Node
	err := chromedp.Run(resolveCtx,
		chromedp.Nodes(selector, &nodes, selectorQuery(selector), chromedp.AtLeast(0)),
	)
	if err != nil {
		return false, fmt.Errorf("selector resolution failed: %w", err)
	}
	return len(nodes) > 0, nil
}

// ClickSelector 点击选择器命中的元素
func (p *ChromePage) ClickSelector(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Debug("clicking", zap.String("selector", selector))
	return chromedp.Run(p.ctx, chromedp.Click(selector, selectorQuery(selector)))
}

// TypeSelector 清空并输入文本
func (p *ChromePage) TypeSelector(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := selectorQuery(selector)
	return chromedp.Run(p.ctx,
		chromedp.Clear(selector, q),
		chromedp.SendKeys(selector, text, q),
	)
}

// AccessibilityTree 返回页面主体文本的简化视图
func (p *ChromePage) AccessibilityTree(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var text string
	if err := chromedp.Run(p.ctx, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	if len(text) > 10000 {
		text = text[:10000] + "..."
	}
	return text, nil
}

// ExecuteAction 把缓存的单个动作落到页面上
func (p *ChromePage) ExecuteAction(ctx context.Context, action cache.AgentAction) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch action.Type {
	case cache.ActionClick:
		return "", chromedp.Run(p.ctx, chromedp.MouseClickXY(float64(action.X), float64(action.Y)))

	case cache.ActionInput:
		return "", chromedp.Run(p.ctx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				for _, ch := range action.Text {
					if err := input.DispatchKeyEvent(input.KeyChar).
						WithText(string(ch)).Do(ctx); err != nil {
						return err
					}
				}
				return nil
			}),
		)

	case cache.ActionScroll:
		return "", chromedp.Run(p.ctx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				return input.DispatchMouseEvent(input.MouseWheel,
					float64(action.X), float64(action.Y)).
					WithDeltaX(float64(action.DeltaX)).
					WithDeltaY(float64(action.DeltaY)).Do(ctx)
			}),
		)

	case cache.ActionWait:
		select {
		case <-time.After(action.WaitDuration()):
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}

	case cache.ActionKeyPress:
		return "", chromedp.Run(p.ctx, chromedp.KeyEvent(action.Key))

	case cache.ActionDrag:
		return "", chromedp.Run(p.ctx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				if err := input.DispatchMouseEvent(input.MousePressed,
					float64(action.X), float64(action.Y)).
					WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
					return err
				}
				if err := input.DispatchMouseEvent(input.MouseMoved,
					float64(action.ToX), float64(action.ToY)).Do(ctx); err != nil {
					return err
				}
				return input.DispatchMouseEvent(input.MouseReleased,
					float64(action.ToX), float64(action.ToY)).
					WithButton(input.Left).WithClickCount(1).Do(ctx)
			}),
		)

	case cache.ActionMove:
		return "", chromedp.Run(p.ctx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				return input.DispatchMouseEvent(input.MouseMoved,
					float64(action.X), float64(action.Y)).Do(ctx)
			}),
		)

	case cache.ActionScreenshot:
		var buf []byte
		if err := chromedp.Run(p.ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
			return "", err
		}
		return fmt.Sprintf("screenshot captured (%d bytes)", len(buf)), nil

	case cache.ActionFunctionCall:
		return p.executeFunction(action)

	default:
		return "", fmt.Errorf("%w: %s", cache.ErrUnknownAction, action.Type)
	}
}

func (p *ChromePage) executeFunction(action cache.AgentAction) (string, error) {
	switch action.Name {
	case "goto", "navigate":
		url, err := functionURL(action.Args)
		if err != nil {
			return "", fmt.Errorf("%s: %w", action.Name, err)
		}
		return "", chromedp.Run(p.ctx, chromedp.Navigate(url))
	case "back":
		return "", chromedp.Run(p.ctx, chromedp.NavigateBack())
	case "forward":
		return "", chromedp.Run(p.ctx, chromedp.NavigateForward())
	case "refresh", "reload":
		return "", chromedp.Run(p.ctx, chromedp.Reload())
	default:
		return "", fmt.Errorf("%w: function %q", cache.ErrUnknownAction, action.Name)
	}
}

// functionURL 从 function_call 参数里取 URL。
// 参数可能是 ["https://..."] 也可能是 {"url":"https://..."}。
func functionURL(args json.RawMessage) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("missing url argument")
	}
	var list []string
	if err := json.Unmarshal(args, &list); err == nil && len(list) > 0 {
		return list[0], nil
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &obj); err == nil && obj.URL != "" {
		return obj.URL, nil
	}
	return "", fmt.Errorf("missing url argument")
}

// Close 关闭浏览器
func (p *ChromePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("closing chrome page")
	p.cancel()
	p.allocCancel()
	return nil
}

var (
	_ Page                   = (*ChromePage)(nil)
	_ cache.SelectorResolver = (*ChromePage)(nil)
	_ cache.ActionExecutor   = (*ChromePage)(nil)
)
