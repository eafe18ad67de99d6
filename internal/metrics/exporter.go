package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🌐 指标暴露服务
// =============================================================================

// Exporter 在独立端口上暴露 /metrics 与 /healthz。
// 非阻塞启动，Shutdown 做请求排空，启动后的异常通过 Errors() 传出。
type Exporter struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	logger   *zap.Logger
	mu       sync.Mutex
	closed   bool
}

const exporterShutdownTimeout = 10 * time.Second

// NewExporter 创建指标暴露服务，port 为监听端口。
func NewExporter(port int, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Exporter{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		errCh:  make(chan error, 1),
		logger: logger.With(zap.String("component", "metrics_exporter")),
	}
}

// Start 启动监听（非阻塞）。
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("exporter is closed")
	}
	if e.listener != nil {
		return fmt.Errorf("exporter already started")
	}

	listener, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.server.Addr, err)
	}
	e.listener = listener
	e.logger.Info("metrics endpoint up", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := e.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			e.logger.Error("metrics server failed", zap.Error(err))
			select {
			case e.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Shutdown 优雅关闭。重复调用幂等。
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	shutdownCtx, cancel := context.WithTimeout(ctx, exporterShutdownTimeout)
	defer cancel()

	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("metrics server shutdown failed", zap.Error(err))
		return err
	}
	e.listener = nil
	return nil
}

// Addr 实际监听地址，未启动时为空串。
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Errors 返回异步错误通道。
func (e *Exporter) Errors() <-chan error {
	return e.errCh
}
