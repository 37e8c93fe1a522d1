// ABOUTME: Tests for the gRPC stream authentication interceptor
// ABOUTME: Uses a stub ServerStream to check metadata handling and status codes

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type stubServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubServerStream) Context() context.Context { return s.ctx }

func runInterceptor(t *testing.T, md metadata.MD, method string) (string, error) {
	t.Helper()
	verifier := NewJWTVerifier(testSecret)
	interceptor := StreamInterceptor(verifier, RoleAgent, nil)

	ctx := context.Background()
	if md != nil {
		ctx = metadata.NewIncomingContext(ctx, md)
	}

	var subject string
	err := interceptor(nil, &stubServerStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: method},
		func(_ any, ss grpc.ServerStream) error {
			subject = Subject(ss.Context())
			return nil
		})
	return subject, err
}

func TestStreamInterceptor_ValidToken(t *testing.T) {
	token, err := NewJWTVerifier(testSecret).Generate("agent-1", RoleAgent, time.Hour)
	require.NoError(t, err)

	subject, err := runInterceptor(t, metadata.Pairs("authorization", "Bearer "+token), "/mothership.AgentHub/Connect")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", subject)
}

func TestStreamInterceptor_Unauthenticated(t *testing.T) {
	tests := []struct {
		name string
		md   metadata.MD
	}{
		{name: "no metadata", md: nil},
		{name: "no authorization", md: metadata.Pairs("x-other", "1")},
		{name: "wrong scheme", md: metadata.Pairs("authorization", "Token abc")},
		{name: "invalid token", md: metadata.Pairs("authorization", "Bearer abc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runInterceptor(t, tt.md, "/mothership.AgentHub/Connect")
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestStreamInterceptor_HealthWatchBypassesAuth(t *testing.T) {
	_, err := runInterceptor(t, nil, "/grpc.health.v1.Health/Watch")
	assert.NoError(t, err)
}
