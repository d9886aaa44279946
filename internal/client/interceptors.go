package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/middleware"
)

const requestIDHeader = "x-request-id"

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata (including the Bearer auth token) to outgoing
// calls, and tags them with the HTTP request id when one is in ctx.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if in, ok := metadata.FromIncomingContext(ctx); ok {
		md = metadata.Join(in, md)
	}
	if id := middleware.RequestIDFromContext(ctx); id != "" && len(md.Get(requestIDHeader)) == 0 {
		md.Set(requestIDHeader, id)
	}
	if md.Len() > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}
