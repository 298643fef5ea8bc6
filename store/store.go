// Package store mirrors the connection registry into a directory that other
// processes can query: which node holds a connection, which user opened it,
// and when it was last seen.
package store

import (
	"context"
	"errors"
	"time"
)

// Store persists connection records.
type Store interface {
	// Get returns the record for a connection id. It returns a nil record
	// and a nil error when the id is unknown or its record has expired.
	Get(ctx context.Context, connectionID string) (*Record, error)

	// Put creates or replaces the record for rec.ConnectionID.
	Put(ctx context.Context, rec Record, opts ...Option) error

	// Delete removes the record for a connection id. Deleting an unknown id
	// is not an error.
	Delete(ctx context.Context, connectionID string) error

	// Close releases the backend's resources.
	Close() error
}

// Record describes one live connection.
type Record struct {
	ConnectionID string     `json:"connection_id"`
	Transport    string     `json:"transport"`
	UserID       string     `json:"user_id,omitempty"`
	Node         string     `json:"node,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSeen     time.Time  `json:"last_seen"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// IsExpired checks if the record has expired
func (r *Record) IsExpired() bool {
	return r.ExpiresAt != nil && time.Now().After(*r.ExpiresAt)
}

// Option configures a Put.
type Option func(*Options)

// Options contains configuration for store operations
type Options struct {
	TTL *time.Duration // Optional: time-to-live for the record
}

// WithTTL expires the record after ttl unless it is written again.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Apply folds opts into an Options value.
func Apply(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var (
	// ErrInvalidRecord is returned when a record has no connection id.
	ErrInvalidRecord = errors.New("store: record has no connection id")
)
