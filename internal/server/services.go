package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HTTPService serves an http.Server on its Addr.
type HTTPService struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewHTTPService wraps srv.
//
// Precondition: srv.Addr must be set.
func NewHTTPService(srv *http.Server, logger *zap.Logger) *HTTPService {
	return &HTTPService{srv: srv, logger: logger}
}

// Start listens and serves until Stop.
func (h *HTTPService) Start(ctx context.Context) error {
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", h.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.srv.Addr, err)
	}
	h.logger.Info("HTTP server listening",
		zap.String("addr", lis.Addr().String()),
	)
	if err := h.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully, closing it outright when ctx expires.
func (h *HTTPService) Stop(ctx context.Context) error {
	if err := h.srv.Shutdown(ctx); err != nil {
		_ = h.srv.Close()
		return err
	}
	return nil
}

// HealthService runs the standard gRPC health service. The overall status
// ("") and every registered service name report SERVING from Start until
// Stop.
type HealthService struct {
	addr     string
	names    []string
	logger   *zap.Logger
	grpc     *grpc.Server
	health   *health.Server
	listener chan net.Addr
}

// NewHealthService creates a health service for addr reporting names.
func NewHealthService(addr string, logger *zap.Logger, names ...string) *HealthService {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthService{
		addr:     addr,
		names:    names,
		logger:   logger,
		grpc:     srv,
		health:   hs,
		listener: make(chan net.Addr, 1),
	}
}

// Start listens and serves until Stop.
func (h *HealthService) Start(ctx context.Context) error {
	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.listener <- lis.Addr()
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range h.names {
		h.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	h.logger.Info("gRPC health server listening",
		zap.String("addr", lis.Addr().String()),
	)
	return h.grpc.Serve(lis)
}

// Addr blocks until Start has bound its listener, returning the bound
// address, or returns nil when ctx is done first.
func (h *HealthService) Addr(ctx context.Context) net.Addr {
	select {
	case a := <-h.listener:
		h.listener <- a
		return a
	case <-ctx.Done():
		return nil
	}
}

// Stop reports NOT_SERVING and stops the gRPC server gracefully.
func (h *HealthService) Stop(ctx context.Context) error {
	h.health.Shutdown()
	done := make(chan struct{})
	go func() {
		h.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.grpc.Stop()
		return ctx.Err()
	}
}
