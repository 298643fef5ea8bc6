// Package authtest provides in-memory authenticators for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ggoodman/httpconnections-go/auth"
)

// StaticTokens maps bearer tokens to users. Unknown tokens are rejected with
// auth.ErrUnauthorized.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens map[string]*User
}

// NewStaticTokens returns an empty token table.
func NewStaticTokens() *StaticTokens {
	return &StaticTokens{tokens: map[string]*User{}}
}

// Add registers tok for a user with the given id and claims.
func (s *StaticTokens) Add(tok, userID string, claims map[string]any) *StaticTokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok] = NewUser(userID, claims)
	return s
}

func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.tokens[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return u, nil
}

// User is a fixed principal with arbitrary claims.
type User struct {
	ID         string
	ClaimsData map[string]any
}

// NewUser returns a principal with a copy of claims.
func NewUser(id string, claims map[string]any) *User {
	c := make(map[string]any, len(claims)+1)
	for k, v := range claims {
		c[k] = v
	}
	if _, ok := c["sub"]; !ok {
		c["sub"] = id
	}
	return &User{ID: id, ClaimsData: c}
}

func (u *User) UserID() string { return u.ID }

func (u *User) Claims(ref any) error {
	b, err := json.Marshal(u.ClaimsData)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var (
	_ auth.Authenticator = (*StaticTokens)(nil)
	_ auth.UserInfo      = (*User)(nil)
)
