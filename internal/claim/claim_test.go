package claim_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lpding888/ai-fashion-studio-sub002/internal/claim"
)

func TestNewTokenRoundTrip(t *testing.T) {
	token, hash, err := claim.New()
	require.NoError(t, err)
	assert.Len(t, token, claim.TokenLength)
	assert.NotContains(t, hash, token)
	assert.NoError(t, claim.Validate(token))
	assert.True(t, claim.Match(token, hash))

	other, _, err := claim.New()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
	assert.False(t, claim.Match(other, hash))
	assert.False(t, claim.Match(token, ""))
}

func TestValidateRejectsMalformed(t *testing.T) {
	for _, tc := range []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "short", token: "abc"},
		{name: "bad alphabet", token: strings.Repeat("*", claim.TokenLength)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, claim.Validate(tc.token), claim.ErrMalformedToken)
		})
	}
}
