// Package auth authenticates HTTP callers with bearer JWTs and maps them to
// engine principals.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/api"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// VagusClaims are the JWT claims expected by the Vagus API. The subject is
// the principal.
type VagusClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTValidator validates HMAC-signed tokens.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator. An empty secret yields nil, which
// makes the middleware fail closed.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*VagusClaims, error) {
	if v == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &VagusClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Sign mints a token for subject. Used by operators and tests.
func (v *JWTValidator) Sign(subject string, roles []string, ttl time.Duration) (string, error) {
	if v == nil {
		return "", fmt.Errorf("validator uninitialized")
	}
	now := time.Now()
	claims := VagusClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p contracts.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the principal from the context.
func GetPrincipal(ctx context.Context) (contracts.Principal, error) {
	p, ok := ctx.Value(principalKey).(contracts.Principal)
	if !ok || p == "" {
		return "", errors.New("no principal in context")
	}
	return p, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates JWT auth middleware. Roles carried in the token are
// granted to the subject in authz on top of the configured grants; unknown
// role names are ignored. System principals cannot authenticate. If
// validator is nil, all non-public requests are rejected (fail closed).
func NewMiddleware(validator *JWTValidator, authz *authority.Registry) func(http.Handler) http.Handler {
	known := make(map[string]authority.Role)
	for _, r := range authority.Roles() {
		known[string(r)] = r
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}
			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}
			if strings.HasPrefix(claims.Subject, "system:") {
				api.WriteUnauthorized(w, "System principals cannot authenticate")
				return
			}

			principal := contracts.Principal(claims.Subject)
			if authz != nil {
				for _, name := range claims.Roles {
					if role, ok := known[name]; ok {
						authz.Grant(principal, role)
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
