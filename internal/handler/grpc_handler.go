package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "ops.approvals.v1.ApprovalService"

// GRPCHandler owns the gRPC server surface: health and reflection.
type GRPCHandler struct {
	health *health.Server
	probe  func(ctx context.Context) error
	logger zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler. probe is polled by Watch to
// flip the serving status; nil means always serving.
func NewGRPCHandler(probe func(ctx context.Context) error, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		health: health.NewServer(),
		probe:  probe,
		logger: logger.With().Str("handler", "grpc").Logger(),
	}
}

// NewServer builds a gRPC server with the logging and error interceptors
// installed and health plus reflection registered.
func (h *GRPCHandler) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(h.recoverUnary, h.logUnary))
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h.health)
	reflection.Register(srv)
	h.SetServing(true)
	return srv
}

// SetServing updates the status for the overall server and ServiceName.
func (h *GRPCHandler) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(ServiceName, st)
}

// Watch polls the probe until ctx is done.
func (h *GRPCHandler) Watch(ctx context.Context, every time.Duration) {
	if h.probe == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, every)
			err := h.probe(probeCtx)
			cancel()
			if ok := err == nil; ok != serving {
				serving = ok
				h.SetServing(ok)
				h.logger.Warn().Err(err).Bool("serving", ok).Msg("Health status changed")
			}
		}
	}
}

// Shutdown marks everything not serving so clients drain.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}

func (h *GRPCHandler) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	err = mapErrorToGRPC(err)
	ev := h.logger.Debug()
	if err != nil {
		ev = h.logger.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC call")
	return resp, err
}

func (h *GRPCHandler) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error().Interface("panic", p).Str("method", info.FullMethod).Msg("panic recovered")
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return next(ctx, req)
}

// mapErrorToGRPC converts coded errors into gRPC status errors. Errors that
// already carry a status pass through.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(errors.GRPCCode(err), err.Error())
}
