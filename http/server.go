// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cancerdetect/ml"

	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	config ServerConfig
	hub    *Hub
	logger *zap.Logger
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        30 * time.Second,
		AllowedOrigins: []string{"*"},
		MaxBodyBytes:   1 << 20,
	}
}

// NewServer 创建HTTP服务器
func NewServer(config ServerConfig, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultServerConfig().MaxBodyBytes
	}

	mux := http.NewServeMux()
	hub := NewHub(deps.Logger, deps.Metrics, config.AllowedOrigins)
	newHandlers(deps, hub).register(mux)

	// 创建中间件链
	chain := Chain(
		RecoveryMiddleware(deps.Logger),                           // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(deps.Logger, deps.Metrics, routeOf(mux)), // 2. 日志中间件
		SecurityHeadersMiddleware,                                 // 3. 安全头中间件
		CORSMiddleware(config.AllowedOrigins),                     // 4. CORS中间件
		RequestSizeMiddleware(config.MaxBodyBytes),                // 5. 请求大小限制
	)

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           chain(mux),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       config.Timeout,
			WriteTimeout:      config.Timeout,
			IdleTimeout:       120 * time.Second,
		},
		config: config,
		hub:    hub,
		logger: deps.Logger,
	}
}

// routeOf labels a request with the pattern it matched so metrics stay bounded.
func routeOf(mux *http.ServeMux) func(*http.Request) string {
	return func(r *http.Request) string {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			return "unmatched"
		}
		return pattern
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Hub returns the live-prediction websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// NotifyModel pushes a model change to connected websocket clients.
func (s *Server) NotifyModel(m *ml.Model) {
	if m != nil {
		s.hub.NotifyModel(m)
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("starting http server",
		zap.String("addr", s.server.Addr),
		zap.String("websocket", "/ws/predict"))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.hub.Close()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
