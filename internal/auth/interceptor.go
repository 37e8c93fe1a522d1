// ABOUTME: gRPC stream interceptor authenticating agent streams with JWT bearer tokens
// ABOUTME: Extracts the token from metadata and populates context for the stream handler

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs authentication failures with context for security monitoring.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// StreamInterceptor returns a gRPC stream interceptor that requires a token
// carrying at least the required role in the "authorization" metadata.
func StreamInterceptor(tokens TokenVerifier, required Role, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if isHealthMethod(info.FullMethod) {
			return handler(srv, ss)
		}

		authCtx, err := authenticateStream(ss.Context(), tokens, required, logger)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), authCtx),
		}
		return handler(srv, wrapped)
	}
}

func authenticateStream(ctx context.Context, tokens TokenVerifier, required Role, logger *slog.Logger) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		logAuthFailure(logger, ctx, "missing_authorization")
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(values[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, "malformed_authorization")
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	claims, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, "invalid_token", "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	if !claims.Role.Allows(required) {
		logAuthFailure(logger, ctx, "insufficient_role", "subject", claims.Subject, "role", claims.Role)
		return nil, status.Error(codes.PermissionDenied, "token role does not permit this stream")
	}

	return &AuthContext{Subject: claims.Subject, Role: claims.Role}, nil
}

func isHealthMethod(fullMethod string) bool {
	return fullMethod == "/grpc.health.v1.Health/Watch" || fullMethod == "/grpc.health.v1.Health/List"
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
