package httpserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cfgpkg "github.com/taoyao-code/daqlink/internal/config"
	"github.com/taoyao-code/daqlink/internal/health"
)

// Server HTTP 服务封装
type Server struct {
	srv *http.Server
}

type options struct {
	logger   *zap.Logger
	link     LinkAPI
	health   *health.Aggregator
	recorder CommandRecorder
}

// Option HTTP 服务可选项
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLink 挂载 /v1 连接接口
func WithLink(l LinkAPI) Option {
	return func(o *options) { o.link = l }
}

// WithHealth 挂载 GET /health 详细报告
func WithHealth(agg *health.Aggregator) Option {
	return func(o *options) { o.health = agg }
}

// WithCommandRecorder 指令入队成功后记录（如写入 command_log）
func WithCommandRecorder(r CommandRecorder) Option {
	return func(o *options) { o.recorder = r }
}

// New 创建并配置 Gin + HTTP Server，注册健康检查、指标与连接路由
func New(cfg cfgpkg.HTTPConfig, metricsPath string, metricsHandler http.Handler, readyFn func() bool, opts ...Option) *Server {
	o := options{logger: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestTracing(), AccessLog(o.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if readyFn == nil || readyFn() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}
	if o.health != nil {
		health.RegisterHTTPRoutes(r, o.health)
	}

	if o.link != nil {
		var limiter *rate.Limiter
		if cfg.CommandRate > 0 {
			burst := cfg.CommandBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.CommandRate), burst)
		}
		h := &linkHandler{link: o.link, recorder: o.recorder, logger: o.logger}

		v1 := r.Group("/v1", APIKeyAuth(cfg.APIKeys, o.logger))
		v1.GET("/link", h.status)
		v1.POST("/link/clear", h.clearBuffer)
		v1.POST("/commands", RateLimit(limiter), h.sendCommand)
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{srv: srv}
}

// Handler 路由处理器
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start 启动 HTTP 服务（阻塞）
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
