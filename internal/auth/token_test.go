package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	v := NewVerifier("secret")

	token, err := v.Sign("alice", time.Minute)
	require.NoError(t, err)

	assert.NoError(t, v.Verify(token, "alice"))
	assert.ErrorIs(t, v.Verify(token, "bob"), ErrSubjectDiffer)
	assert.ErrorIs(t, v.Verify("", "alice"), ErrMissingToken)
	assert.ErrorIs(t, v.Verify("not-a-jwt", "alice"), ErrInvalidToken)

	other, err := NewVerifier("other").Sign("alice", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(other, "alice"), ErrInvalidToken)

	expired, err := v.Sign("alice", -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(expired, "alice"), ErrExpiredToken)
}
