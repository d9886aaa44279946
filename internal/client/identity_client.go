package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
)

// resolveRoleHolderMethod is the identity RPC that maps a role to the user
// currently holding it. Requests and replies are google.protobuf.Struct so
// the client needs no generated stubs: {"role": "..."} -> {"user_id": "..."}.
const resolveRoleHolderMethod = "/platform.identity.v1.IdentityService/ResolveRoleHolder"

// IdentityConfig configures the identity client.
type IdentityConfig struct {
	Addr            string
	CallTimeout     time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// IdentityGRPCClient implements engine.RoleDirectory against the platform
// identity gRPC service. Calls go through a circuit breaker so a failing
// identity service rejects submissions fast instead of stalling them.
type IdentityGRPCClient struct {
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	log     zerolog.Logger
}

// NewIdentityGRPCClient creates a client for cfg.Addr. Extra dial options are
// appended after the defaults.
func NewIdentityGRPCClient(cfg IdentityConfig, log zerolog.Logger, opts ...grpc.DialOption) (*IdentityGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity gRPC connection: %w", err)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	c := &IdentityGRPCClient{
		conn:    conn,
		timeout: cfg.CallTimeout,
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "identity",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || stderrors.Is(err, engine.ErrNoRoleHolder)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
	return c, nil
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	return c.conn.Close()
}

// ResolveRole returns the user currently holding role. A role nobody holds
// yields engine.ErrNoRoleHolder.
func (c *IdentityGRPCClient) ResolveRole(ctx context.Context, role string) (string, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.resolve(ctx, role)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *IdentityGRPCClient) resolve(ctx context.Context, role string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]any{"role": role})
	if err != nil {
		return "", err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, resolveRoleHolderMethod, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", engine.ErrNoRoleHolder, role)
		}
		return "", fmt.Errorf("failed to resolve role %s: %w", role, err)
	}

	userID := strings.TrimSpace(resp.GetFields()["user_id"].GetStringValue())
	if userID == "" {
		return "", fmt.Errorf("%w: %s", engine.ErrNoRoleHolder, role)
	}
	return userID, nil
}
