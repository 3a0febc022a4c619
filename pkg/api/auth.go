package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

type identityKey struct{}

// WithIdentity attaches the verified caller identity to ctx.
func WithIdentity(ctx context.Context, id plan.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the verified caller identity carried by ctx.
func IdentityFrom(ctx context.Context) (plan.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(plan.Identity)
	return id, ok && id != ""
}

// Authenticator verifies HS256 bearer tokens. The token subject is the caller identity.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewAuthenticator creates an authenticator. Empty issuer or audience are not checked.
func NewAuthenticator(secret []byte, issuer, audience string) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("api: jwt secret is required")
	}
	return &Authenticator{secret: secret, issuer: issuer, audience: audience}, nil
}

// Validate parses and validates a token and returns its subject.
func (a *Authenticator) Validate(token string) (plan.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return a.secret, nil }, opts...)
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token subject is required")
	}
	return plan.Identity(claims.Subject), nil
}

// Issue signs a token for subject valid for ttl. Used for development tokens.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// AuthMiddleware rejects requests without a valid bearer token and injects the caller
// identity into the request context.
func AuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || token == "" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			// Fail closed if no authenticator configured
			if a == nil {
				WriteUnauthorized(w, r, "Authentication not configured")
				return
			}

			id, err := a.Validate(token)
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
