package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxillo/jenkins-qemu-provisioner/pkg/auth"
)

func TestHashTokenIsStableHex(t *testing.T) {
	h := auth.HashToken("bootstrap-secret")
	assert.Len(t, h, 64)
	assert.Equal(t, h, auth.HashToken("bootstrap-secret"))
	assert.NotEqual(t, h, auth.HashToken("bootstrap-secret2"))
}

func TestSecureCompareToken(t *testing.T) {
	h := auth.HashToken("tok")
	assert.True(t, auth.SecureCompareToken("tok", h))
	assert.False(t, auth.SecureCompareToken("not-tok", h))
	assert.False(t, auth.SecureCompareToken("tok", ""))
}

func TestNewSessionToken(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tok, exp, err := auth.NewSessionToken(now)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.Equal(t, now.Add(time.Hour), exp)

	tok2, _, err := auth.NewSessionToken(now)
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
}
