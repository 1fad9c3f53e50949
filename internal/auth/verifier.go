// Package auth verifies bearer tokens (HS256 or RS256 with a PEM public key)
// and enforces scopes on HTTP handlers.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig holds configuration for JWT verification.
type VerifierConfig struct {
	Algorithm    string // "RS256" or "HS256"
	PublicKeyPEM string
	SecretKey    string
}

// Verifier checks token signatures and extracts claims.
type Verifier struct {
	method string
	key    any
}

// roleScopes grants scopes to tokens that carry roles but no scopes claim.
var roleScopes = map[string][]string{
	RoleObserver: {ScopeRead, ScopeTelemetry},
	RoleOperator: {ScopeRead, ScopeTelemetry, ScopeControl},
}

// NewVerifier creates a verifier for one signing method.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	switch config.Algorithm {
	case "RS256":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(config.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to load public key: %w", err)
		}
		return &Verifier{method: config.Algorithm, key: key}, nil
	case "HS256":
		if config.SecretKey == "" {
			return nil, errors.New("HS256 requires a secret key")
		}
		return &Verifier{method: config.Algorithm, key: []byte(config.SecretKey)}, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", config.Algorithm)
	}
}

// scopeList accepts either a JSON array or an OAuth style space-delimited string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*s = strings.Fields(joined)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scopes must be a string or an array of strings: %w", err)
	}
	*s = list
	return nil
}

// tokenClaims is the token body accepted by commlink.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes scopeList `json:"scopes,omitempty"`
	Roles  []string  `json:"roles,omitempty"`
}

// VerifyToken checks the signature and expiry of a token and returns its
// subject and granted scopes. Unknown scopes reject the token.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, errors.New("token cannot be empty")
	}

	var body tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &body,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{v.method}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if body.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	scopes := []string(body.Scopes)
	if len(scopes) == 0 {
		for _, role := range body.Roles {
			scopes = append(scopes, roleScopes[role]...)
		}
	}
	if len(scopes) == 0 {
		return nil, errors.New("token grants no scopes")
	}
	for _, scope := range scopes {
		switch scope {
		case ScopeRead, ScopeControl, ScopeTelemetry:
		default:
			return nil, fmt.Errorf("unknown scope %q", scope)
		}
	}

	return &Claims{Subject: body.Subject, Roles: body.Roles, Scopes: scopes}, nil
}
