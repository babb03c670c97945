package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"LoanLedger/internal/observability"
	"LoanLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway in front of it.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	health        *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Engine        CommandProcessor
	QueryService  *query.QueryService
	Swaps         Swapper
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger

	// Per-peer token bucket; a non-positive RateLimit disables it.
	RateLimit float64
	RateBurst int
}

// NewGRPCServer creates a gRPC server with every service registered. The
// swap service is only registered when deps.Swaps is set.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		LoggingInterceptor(deps.Metrics, deps.Logger),
		RateLimitInterceptor(NewPeerRateLimiter(deps.RateLimit, deps.RateBurst), deps.Metrics),
	))
	hs := RegisterServices(grpcServer, deps)

	return &GRPCServer{
		grpcServer:    grpcServer,
		health:        hs,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}
}

// RegisterServices registers the ledger services and the standard health
// service on s.
func RegisterServices(s grpc.ServiceRegistrar, deps *ServerDeps) *health.Server {
	s.RegisterService(&LoanServiceDesc, &loanService{engine: deps.Engine, queries: deps.QueryService})
	s.RegisterService(&StakeServiceDesc, &stakeService{engine: deps.Engine, queries: deps.QueryService})
	s.RegisterService(&AdminServiceDesc, &adminService{queries: deps.QueryService})
	names := []string{LoanServiceName, StakeServiceName, AdminServiceName}
	if deps.Swaps != nil {
		s.RegisterService(&SwapServiceDesc, &swapService{router: deps.Swaps, metrics: deps.Metrics})
		names = append(names, SwapServiceName)
	}

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range names {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	return hs
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	err = s.grpcServer.Serve(lis)
	if ctx.Err() != nil {
		// Serve returns as soon as the listener closes; wait for in-flight calls.
		<-stopped
		return nil
	}
	return err
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking). It proxies to the
// gRPC server over a loopback client connection.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	conn, err := grpc.NewClient(dialTarget(s.grpcAddr),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return fmt.Errorf("dial grpc %s: %w", s.grpcAddr, err)
	}
	defer conn.Close()

	gw, err := NewGateway(NewClient(conn))
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           NewHTTPHandler(gw, s.healthChecker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		close(stopped)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Str("grpc", s.grpcAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// dialTarget turns a listen address such as ":9090" into a loopback target.
func dialTarget(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
