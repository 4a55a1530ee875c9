package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// AuthContext carries the caller identity and tenancy for the lifetime of an
// authenticated request. It is built once by the middleware chain and is
// read-only afterwards.
type AuthContext struct {
	UserID        string
	Email         string
	OrgID         string
	Role          Role
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
func (ac *AuthContext) Validate() error {
	var errs []error
	if ac.UserID == "" {
		errs = append(errs, fmt.Errorf("UserID is required"))
	}
	if ac.OrgID == "" {
		errs = append(errs, fmt.Errorf("OrgID is required"))
	}
	if ac.Role == "" {
		errs = append(errs, fmt.Errorf("Role is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the caller's role is one of roles.
func (ac *AuthContext) HasRole(roles ...Role) bool {
	return slices.Contains(roles, ac.Role)
}

// IsElevated reports whether the caller may act on behalf of other members.
func (ac *AuthContext) IsElevated() bool {
	return ac.HasRole(ElevatedRoles...)
}

// Claim returns the value of the given claim key, or nil if not present.
func (ac *AuthContext) Claim(key string) any {
	if ac.Claims == nil {
		return nil
	}
	return ac.Claims[key]
}

type contextKey struct{}

// WithAuthContext attaches an AuthContext to the given context.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// AuthContextFrom extracts the AuthContext from the context, or returns nil
// if not present.
func AuthContextFrom(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(contextKey{}).(*AuthContext)
	return ac
}

// MustAuthContext extracts the AuthContext from the context, panicking if it
// is not present. Only handlers mounted behind the membership middleware may
// call it.
func MustAuthContext(ctx context.Context) *AuthContext {
	ac := AuthContextFrom(ctx)
	if ac == nil {
		panic("model: AuthContext not found in context")
	}
	return ac
}
