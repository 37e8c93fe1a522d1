// ABOUTME: Tests for auth context propagation helpers
// ABOUTME: Verifies WithAuth, FromContext and Subject round trips

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Empty(t, Subject(ctx))

	ctx = WithAuth(ctx, &AuthContext{Subject: "crud-layer", Role: RoleService})
	got := FromContext(ctx)
	if assert.NotNil(t, got) {
		assert.Equal(t, RoleService, got.Role)
	}
	assert.Equal(t, "crud-layer", Subject(ctx))
}
