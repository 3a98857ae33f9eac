package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	config "github.com/xilidan/meetings/config/workflow"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	handler *Handler
	health  *health.Server
}

// New wires the HTTP API. deps.Health is created when nil.
func New(cfg *config.Config, deps HandlerDeps, log *slog.Logger) *Server {
	log.Info("creating workflow server")
	log.Debug("server config",
		slog.Int("port", cfg.Port),
		slog.Int("grpc_port", cfg.GRPCPort),
		slog.Bool("auth_enabled", cfg.SigningKey != ""))

	if deps.Health == nil {
		deps.Health = health.NewServer()
	}

	return &Server{
		cfg:     cfg,
		log:     log,
		handler: NewHandler(deps, log),
		health:  deps.Health,
	}
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1", s.handler.RegisterRoutes)

	return router
}

// Start serves HTTP and gRPC health until ctx is cancelled or either
// listener fails, then shuts both down.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting workflow server")

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	grpcAddr := fmt.Sprintf(":%d", s.cfg.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, s.health)

	serverErrors := make(chan error, 2)

	go func() {
		s.log.Info("http api started", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		s.log.Info("grpc health started", slog.String("address", grpcAddr))
		if err := grpcServer.Serve(lis); err != nil {
			serverErrors <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErrors:
		s.log.Error("server error received", slog.String("error", runErr.Error()))
	case <-ctx.Done():
		s.log.Info("start shutdown")
	}

	s.health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("graceful shutdown failed", slog.String("error", err.Error()))
		srv.Close()
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	s.log.Info("workflow server stopped")
	return runErr
}
