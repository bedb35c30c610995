// Package auth turns bearer tokens into caller identities. Tokens are HS256
// JWTs issued elsewhere and verified here with a shared secret.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mediacore/internal/models"
)

// RoleAdmin marks identities allowed to register channels and terminate
// streams.
const RoleAdmin = "admin"

// Identity is the authenticated caller.
type Identity struct {
	ID    string
	Roles []string
}

// HasRole reports whether the identity carries role, ignoring case.
func (i Identity) HasRole(role string) bool {
	for _, existing := range i.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

func (i Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

type contextKey string

const identityContextKey contextKey = "identity"

// ContextWithIdentity stores the caller on ctx.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext returns the caller stored on ctx.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}

// Claims is the token body. The subject is the caller id.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
	Admin bool     `json:"admin,omitempty"`
}

type VerifierConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	return &Verifier{secret: []byte(secret), opts: opts}, nil
}

// Verify parses token and returns the caller it names. Every failure is an
// Unauthorized error.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, models.Unauthorized("bearer token is required")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return Identity{}, &models.Error{Kind: models.KindUnauthorized, Message: describeTokenError(err), Offset: -1, Err: err}
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, models.Unauthorized("token subject is required")
	}
	roles := make([]string, 0, len(claims.Roles)+1)
	for _, role := range claims.Roles {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	identity := Identity{ID: subject, Roles: roles}
	if claims.Admin && !identity.IsAdmin() {
		identity.Roles = append(identity.Roles, RoleAdmin)
	}
	return identity, nil
}

func describeTokenError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token has expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token is not valid yet"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "token signature is invalid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token is malformed"
	default:
		return "token rejected"
	}
}

// ExtractToken reads the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Authenticate verifies the request's bearer token.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	return v.Verify(ExtractToken(r))
}
