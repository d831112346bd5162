package auth

import (
	"context"

	"pan/internal/shared/panprotocol"
	"pan/internal/trust"
)

// LocalMethod validates the bearer token in the auth payload against the
// agent trust domain. The token is mandatory. When allowUntrusted is set,
// any structurally valid token is accepted; otherwise the token must be
// trusted for the agent-connect purpose.
type LocalMethod struct {
	validator      *trust.Validator
	allowUntrusted bool
}

// NewLocalMethod creates the local auth method.
func NewLocalMethod(validator *trust.Validator, allowUntrusted bool) *LocalMethod {
	return &LocalMethod{
		validator:      validator,
		allowUntrusted: allowUntrusted,
	}
}

// Name implements Method.
func (l *LocalMethod) Name() string { return "local" }

// Authenticate implements Method.
func (l *LocalMethod) Authenticate(_ context.Context, payload map[string]any) *MethodResult {
	token, _ := payload["token"].(string)
	if token == "" {
		return &MethodResult{Err: "Authorization required"}
	}

	claims, err := l.validator.ValidateToken(token)
	if err != nil {
		return &MethodResult{Err: "invalid token: " + err.Error()}
	}

	if l.allowUntrusted {
		return &MethodResult{
			Success: true,
			Name:    claims.Name(),
			Claims:  claims,
		}
	}

	res := l.validator.IsTokenTrusted(token, extraTokens(payload), []string{panprotocol.PurposeAgentConnect})
	if !res.Trusted {
		return &MethodResult{Err: res.Reason}
	}
	return &MethodResult{
		Success: true,
		Name:    res.Decoded.Name(),
		Claims:  res.Decoded,
	}
}

// extraTokens pulls the optional supporting token list out of the payload.
func extraTokens(payload map[string]any) []string {
	raw, ok := payload["tokens"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
