package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/manager"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds the listener settings of the API server
type Config struct {
	// Addr is the HTTP listen address for the API, websocket and health routes
	Addr string

	// GRPCAddr is the listen address of the gRPC health service; empty disables it
	GRPCAddr string

	// RateLimit is the per-IP request budget per minute on query endpoints; 0 disables it
	RateLimit int
}

// Server exposes the manager over HTTP, a websocket viewer endpoint and an
// optional gRPC health service.
type Server struct {
	cfg     Config
	manager *manager.Manager
	router  chi.Router
	logger  zerolog.Logger

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new API server for mgr
func NewServer(mgr *manager.Manager, cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		logger:  log.WithComponent("api"),
		health:  health.NewServer(),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverer(s.logger))

	// The viewer endpoint is long-lived, so it is mounted on a bare router
	// without per-request logging or rate limits.
	r.Handle("/ws", s.viewerHandler())

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(s.logger))

		r.Get("/health", metrics.HealthHandler())
		r.Get("/ready", metrics.ReadyHandler())
		r.Get("/live", metrics.LivenessHandler())
		r.Handle("/metrics", metrics.Handler())

		r.Route("/api", func(r chi.Router) {
			r.Post("/events", s.handleEmit)
			r.Delete("/history", s.handleClearHistory)

			r.Group(func(r chi.Router) {
				if s.cfg.RateLimit > 0 {
					r.Use(rateLimit(s.cfg.RateLimit, time.Minute))
				}
				r.Get("/history", s.handleHistory)
				r.Get("/status", s.handleStatus)
				r.Get("/sessions", s.handleSessions)
				r.Get("/sessions/archive", s.handleArchivedSessions)
			})

			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Post("/start", s.handleStartSession)
				r.Post("/delegate", s.handleDelegate)
				r.Post("/subagent-stop", s.handleSubagentStop)
				r.Post("/end", s.handleEndSession)
			})
		})
	})
	return r
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on cfg.Addr (and cfg.GRPCAddr when set) and serves until
// Shutdown is called.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	if s.cfg.GRPCAddr != "" {
		glis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		go func() {
			if err := s.ServeGRPC(glis); err != nil {
				s.logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
	}

	return s.Serve(lis)
}

// Serve serves HTTP on lis until Shutdown is called
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API listening")

	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
	return err
}

// ServeGRPC serves the grpc.health.v1 service on lis
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.mu.Lock()
	if s.grpc == nil {
		s.grpc = grpc.NewServer(
			grpc.ChainUnaryInterceptor(RecoveryInterceptor(), LoggingInterceptor()),
			grpc.ChainStreamInterceptor(StreamRecoveryInterceptor()),
		)
		healthpb.RegisterHealthServer(s.grpc, s.health)
	}
	srv := s.grpc
	s.mu.Unlock()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the bound HTTP address once Serve has been called
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires. Viewer connections are hijacked and are closed by the manager.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	metrics.UpdateComponent(metrics.ComponentAPI, false, "shutting down")

	s.mu.Lock()
	srv := s.grpc
	s.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
