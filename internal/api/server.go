package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/brech1/eigentrust-protocol/internal/aggregator"
	"github.com/brech1/eigentrust-protocol/internal/anchor"
	"github.com/brech1/eigentrust-protocol/internal/ingest"
	"github.com/brech1/eigentrust-protocol/internal/observability/metrics"
	"github.com/brech1/eigentrust-protocol/internal/trust"
	"github.com/brech1/eigentrust-protocol/pkg/logger"
)

// Service 是 API 依赖的聚合服务能力。
type Service interface {
	Submit(ctx context.Context, sub aggregator.Submission) (aggregator.Receipt, error)
	StagePretrust(ctx context.Context, upd aggregator.PretrustUpdate) error
	RequestClose(ctx context.Context, req aggregator.CloseRequest) (aggregator.RoundReport, error)
	Snapshot() (*aggregator.Snapshot, bool)
	Score(peer trust.Peer) (aggregator.PeerScore, error)
	CurrentRound() aggregator.RoundStatus
	Report(round uint64) (aggregator.RoundReport, bool)
	AnchorStatus(round uint64) []anchor.Record
	Health() aggregator.Health
}

// Config 控制 HTTP 服务。
type Config struct {
	Address           string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	CORSOrigins       []string
	RateLimitRPS      float64
	RateLimitBurst    int
	RequireSignatures bool
	MaxBodyBytes      int64
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
}

// Option 配置 Server。
type Option func(*Server)

// WithProducer 让写接口把信封投递到队列，而不是直接提交。
func WithProducer(p ingest.Producer) Option {
	return func(s *Server) { s.producer = p }
}

// WithLogger 覆盖默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg      Config
	svc      Service
	producer ingest.Producer
	logger   *slog.Logger
	engine   *gin.Engine
	limiter  *clientLimiter
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, svc Service, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{cfg: cfg, svc: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.engine = s.buildEngine()
	return s
}

// Handler 返回路由处理器。
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), observeRequests())
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  s.cfg.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	if s.limiter != nil {
		v1.Use(s.limiter.middleware())
	}
	{
		v1.POST("/opinions", s.handleSubmit(aggregator.KindOpinion))
		v1.POST("/attestations", s.handleSubmit(aggregator.KindAttestation))
		v1.GET("/scores", s.handleScores)
		v1.GET("/scores/:peer", s.handlePeerScore)
		v1.GET("/rounds/current", s.handleCurrentRound)
		v1.GET("/rounds/:id", s.handleRound)
		v1.POST("/rounds/close", s.handleCloseRound)
		v1.GET("/anchors", s.handleAnchors)
		v1.PUT("/pretrusted", s.handlePretrust)
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.cfg.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
