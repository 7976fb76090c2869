package server

import (
	"EnergyLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server runs the gRPC listener (health + reflection) and the HTTP/JSON API
// with its liveness and readiness probes.
type Server struct {
	grpcServer    *grpc.Server
	health        *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds what the listeners need.
type ServerDeps struct {
	API           *API
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewServer creates the gRPC server and mounts the API routes. The gRPC
// health status starts NOT_SERVING until SetServing is called.
func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) (*Server, error) {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(unaryLogger(deps.Logger)))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:    grpcServer,
		health:        healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}

	handler, err := s.Handler(deps.API)
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler combines the API routes with /healthz and /readyz.
func (s *Server) Handler(api *API) (http.Handler, error) {
	mux, err := api.Mux()
	if err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
	httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// SetServing flips both the gRPC health status and HTTP readiness.
func (s *Server) SetServing(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.healthChecker.SetReady(ready)
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP API until ctx is cancelled, then drains
// in-flight requests for up to five seconds.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func unaryLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("grpc call")
		return resp, err
	}
}
