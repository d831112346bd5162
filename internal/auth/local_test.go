package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pan/internal/shared/logger"
	"pan/internal/trust"
)

func localValidator(t *testing.T, issuerJSON string) *trust.Validator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trusted_agents.json")
	require.NoError(t, os.WriteFile(path, []byte(issuerJSON), 0644))
	store, err := trust.NewIssuerStore(path, time.Minute, logger.NewLogger())
	require.NoError(t, err)
	return trust.NewValidator(store, nil, logger.NewLogger())
}

func agentToken(t *testing.T, issuer, identifier string, purposes ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &trust.Claims{
		Identifier:       identifier,
		Purpose:          purposes,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestLocalMethod_TokenIsMandatory(t *testing.T) {
	l := NewLocalMethod(localValidator(t, `{"trusted_issuers":{}}`), true)

	for _, payload := range []map[string]any{
		{},
		{"token": ""},
		{"token": 42},
	} {
		res := l.Authenticate(context.Background(), payload)
		assert.False(t, res.Success)
		assert.Equal(t, "Authorization required", res.Err)
	}
}

func TestLocalMethod_TrustedIssuer(t *testing.T) {
	l := NewLocalMethod(localValidator(t, `{"trusted_issuers":{"urn:pan:alice":["agent-connect"]}}`), false)

	res := l.Authenticate(context.Background(), map[string]any{
		"token": agentToken(t, "urn:pan:alice", "agent-a", "agent-connect"),
	})
	require.True(t, res.Success)
	assert.Equal(t, "agent-a", res.Name)
	require.NotNil(t, res.Claims)
	assert.Equal(t, "urn:pan:alice", res.Claims.Issuer)
}

func TestLocalMethod_UntrustedIssuerRejected(t *testing.T) {
	l := NewLocalMethod(localValidator(t, `{"trusted_issuers":{"urn:pan:alice":["agent-connect"]}}`), false)

	res := l.Authenticate(context.Background(), map[string]any{
		"token": agentToken(t, "urn:pan:mallory", "m", "agent-connect"),
	})
	assert.False(t, res.Success)
	assert.Regexp(t, `(?i)access denied`, res.Err)
}

func TestLocalMethod_AllowUntrusted(t *testing.T) {
	l := NewLocalMethod(localValidator(t, `{"trusted_issuers":{}}`), true)

	res := l.Authenticate(context.Background(), map[string]any{
		"token": agentToken(t, "urn:pan:anyone", "walk-in", "agent-connect"),
	})
	require.True(t, res.Success)
	assert.Equal(t, "walk-in", res.Name)

	// Structure is still checked even in allow-untrusted mode.
	res = l.Authenticate(context.Background(), map[string]any{"token": "not.a.jwt"})
	assert.False(t, res.Success)
}

func TestLocalMethod_SupportingTokens(t *testing.T) {
	l := NewLocalMethod(localValidator(t, `{"trusted_issuers":{"urn:pan:root":["agent-connect"]}}`), false)

	vouch, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &trust.Claims{
		Kind:    "vouch",
		Purpose: []string{"agent-connect"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  "urn:pan:root",
			Subject: "urn:pan:leaf",
		},
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	res := l.Authenticate(context.Background(), map[string]any{
		"token":  agentToken(t, "urn:pan:leaf", "agent-a", "agent-connect"),
		"tokens": []any{vouch},
	})
	assert.True(t, res.Success)
}
