package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/middleware"
)

func TestForwardMetadata(t *testing.T) {
	var requestCtx context.Context
	middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		requestCtx = r.Context()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, requestCtx)

	ctx := metadata.NewIncomingContext(requestCtx, metadata.Pairs("authorization", "Bearer t"))

	var got metadata.MD
	invoker := func(ctx context.Context, _ string, _, _ interface{}, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		got, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}
	require.NoError(t, forwardMetadata(ctx, "/svc/Method", nil, nil, nil, invoker))

	assert.Equal(t, []string{"Bearer t"}, got.Get("authorization"))
	assert.Equal(t, []string{middleware.RequestIDFromContext(requestCtx)}, got.Get(requestIDHeader))
	assert.NotEmpty(t, got.Get(requestIDHeader)[0])
}

func TestForwardMetadataWithoutIncoming(t *testing.T) {
	var got metadata.MD
	invoker := func(ctx context.Context, _ string, _, _ interface{}, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		got, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}
	require.NoError(t, forwardMetadata(context.Background(), "/svc/Method", nil, nil, nil, invoker))
	assert.Empty(t, got)
}
