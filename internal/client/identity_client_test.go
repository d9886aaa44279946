package client

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
)

type roleResolver interface {
	resolveRole(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var identityServiceDesc = grpc.ServiceDesc{
	ServiceName: "platform.identity.v1.IdentityService",
	HandlerType: (*roleResolver)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "ResolveRoleHolder",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(roleResolver).resolveRole(ctx, in)
		},
	}},
}

type fakeIdentity struct {
	mu      sync.Mutex
	holders map[string]string
	fail    error
	calls   int
	md      metadata.MD
}

func (f *fakeIdentity) resolveRole(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.md, _ = metadata.FromIncomingContext(ctx)
	if f.fail != nil {
		return nil, f.fail
	}
	role := in.GetFields()["role"].GetStringValue()
	user, ok := f.holders[role]
	if !ok {
		return nil, status.Error(codes.NotFound, "role has no holder")
	}
	return structpb.NewStruct(map[string]any{"user_id": user})
}

func startIdentity(t *testing.T, fake *fakeIdentity, cfg IdentityConfig) *IdentityGRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&identityServiceDesc, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg.Addr = "passthrough:///identity"
	c, err := NewIdentityGRPCClient(cfg, zerolog.Nop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestIdentityResolveRole(t *testing.T) {
	fake := &fakeIdentity{holders: map[string]string{"manager": "u-mgr"}}
	c := startIdentity(t, fake, IdentityConfig{CallTimeout: time.Second})

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc"))
	user, err := c.ResolveRole(ctx, "manager")
	require.NoError(t, err)
	assert.Equal(t, "u-mgr", user)
	assert.Equal(t, []string{"Bearer abc"}, fake.md.Get("authorization"), "caller metadata is forwarded")

	_, err = c.ResolveRole(context.Background(), "auditor")
	assert.True(t, stderrors.Is(err, engine.ErrNoRoleHolder))
}

func TestIdentityBreakerOpens(t *testing.T) {
	fake := &fakeIdentity{fail: status.Error(codes.Unavailable, "down")}
	c := startIdentity(t, fake, IdentityConfig{BreakerFailures: 2, BreakerTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.ResolveRole(ctx, "manager")
		require.Error(t, err)
	}
	_, err := c.ResolveRole(ctx, "manager")
	assert.True(t, stderrors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 2, fake.calls, "open breaker does not reach the server")
}

func TestIdentityMissingHolderKeepsBreakerClosed(t *testing.T) {
	fake := &fakeIdentity{holders: map[string]string{}}
	c := startIdentity(t, fake, IdentityConfig{BreakerFailures: 1, BreakerTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := c.ResolveRole(context.Background(), "vacant")
		assert.True(t, stderrors.Is(err, engine.ErrNoRoleHolder))
	}
	assert.Equal(t, 3, fake.calls)
}
