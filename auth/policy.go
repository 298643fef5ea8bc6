package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Policy is an authorization requirement evaluated against an authenticated
// caller before any connection endpoint does work. A nil error grants access.
type Policy interface {
	Authorize(ctx context.Context, user UserInfo) error
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, user UserInfo) error

func (f PolicyFunc) Authorize(ctx context.Context, user UserInfo) error { return f(ctx, user) }

// Evaluate runs every policy in order and returns the first failure. All
// policies must pass.
func Evaluate(ctx context.Context, user UserInfo, policies []Policy) error {
	for _, p := range policies {
		if p == nil {
			continue
		}
		if err := p.Authorize(ctx, user); err != nil {
			return err
		}
	}
	return nil
}

// RequireAuthenticatedUser rejects anonymous callers with ErrUnauthorized.
func RequireAuthenticatedUser() Policy {
	return PolicyFunc(func(ctx context.Context, user UserInfo) error {
		if user == nil || user.UserID() == "" {
			return ErrUnauthorized
		}
		return nil
	})
}

// RequireScopes demands every listed scope in the space-delimited "scope"
// claim.
func RequireScopes(scopes ...string) Policy {
	want := slices.Clone(scopes)
	return PolicyFunc(func(ctx context.Context, user UserInfo) error {
		if user == nil {
			return ErrUnauthorized
		}
		var c struct {
			Scope string `json:"scope"`
		}
		if err := user.Claims(&c); err != nil {
			return fmt.Errorf("%w: decode claims: %v", ErrInsufficientScope, err)
		}
		have := strings.Fields(c.Scope)
		for _, s := range want {
			if !slices.Contains(have, s) {
				return fmt.Errorf("%w: missing %q", ErrInsufficientScope, s)
			}
		}
		return nil
	})
}

// RequireClaim demands a string claim (or an array claim containing a
// string) equal to one of values.
func RequireClaim(name string, values ...string) Policy {
	allowed := slices.Clone(values)
	return PolicyFunc(func(ctx context.Context, user UserInfo) error {
		if user == nil {
			return ErrUnauthorized
		}
		var claims map[string]any
		if err := user.Claims(&claims); err != nil {
			return errors.Join(ErrForbidden, err)
		}
		switch v := claims[name].(type) {
		case string:
			if slices.Contains(allowed, v) {
				return nil
			}
		case []any:
			for _, e := range v {
				if s, ok := e.(string); ok && slices.Contains(allowed, s) {
					return nil
				}
			}
		}
		return fmt.Errorf("%w: claim %q not satisfied", ErrForbidden, name)
	})
}
