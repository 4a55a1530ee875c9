package transport

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/procura/internal/config"
	"github.com/pitabwire/procura/model"
)

// KeySource resolves a token signing key by key id.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// Identity is the verified caller, before organization membership is known.
type Identity struct {
	UserID string
	Email  string
	Claims map[string]any
}

type identityKey struct{}

// WithIdentity stores the verified identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the verified identity from the context.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// Authenticator verifies the bearer token, or the session cookie when no
// Authorization header is sent, and stores the caller's Identity.
type Authenticator struct {
	cfg    config.IdentityConfig
	keys   KeySource
	errors *Errors
}

// NewAuthenticator creates the authentication middleware.
func NewAuthenticator(cfg config.IdentityConfig, keys KeySource, errs *Errors) *Authenticator {
	return &Authenticator{cfg: cfg, keys: keys, errors: errs}
}

// Handler wraps next.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, err := a.token(r)
		if err != nil {
			a.errors.Write(w, r, err)
			return
		}

		token, err := jwt.Parse(tokenStr,
			func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, fmt.Errorf("missing kid in token header")
				}
				return a.keys.GetKey(r.Context(), kid)
			},
			jwt.WithValidMethods(a.cfg.Algorithms),
			jwt.WithIssuer(a.cfg.Issuer),
			jwt.WithAudience(a.cfg.Audience),
			jwt.WithLeeway(30*time.Second),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			a.errors.Write(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
			return
		}

		mapClaims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			a.errors.Write(w, r, model.NewUnauthorizedError("Invalid token"))
			return
		}
		claims := map[string]any(mapClaims)

		id := &Identity{
			UserID: claimString(claims, a.claimPath("user_id", "sub")),
			Email:  claimString(claims, a.claimPath("email", "email")),
			Claims: claims,
		}
		if id.UserID == "" {
			a.errors.Write(w, r, model.NewUnauthorizedError("Token has no subject"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (a *Authenticator) token(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, tok, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
			return "", model.NewUnauthorizedError("Invalid authorization header format")
		}
		return tok, nil
	}
	if a.cfg.SessionCookie != "" {
		if c, err := r.Cookie(a.cfg.SessionCookie); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", model.NewUnauthorizedError("Missing credentials")
}

func (a *Authenticator) claimPath(name, fallback string) string {
	if p := a.cfg.ClaimPaths[name]; p != "" {
		return p
	}
	return fallback
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	}
	return "Invalid token"
}

// claimString resolves a dotted claim path such as "ext.user_id".
func claimString(claims map[string]any, path string) string {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	s, _ := cur.(string)
	return s
}
