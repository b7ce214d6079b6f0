package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/agentgov/internal/identity"
	"github.com/ppiankov/agentgov/internal/model"
)

const authHeader = "authorization"

// authInterceptor authenticates every call from its bearer token and
// stores the principal in the handler's context.
func authInterceptor(auth identity.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var token string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(authHeader); len(v) > 0 {
				token = v[0]
			}
		}
		p, err := auth.Authenticate(ctx, token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid bearer token")
		}
		return handler(identity.NewContext(ctx, p), req)
	}
}

func caller(ctx context.Context) (model.Principal, error) {
	p, ok := identity.FromContext(ctx)
	if !ok {
		return model.Principal{}, status.Error(codes.Unauthenticated, "no authenticated principal")
	}
	return p, nil
}
