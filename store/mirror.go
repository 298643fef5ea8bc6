package store

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/ggoodman/httpconnections-go/connections"
)

// Mirror keeps a Store in step with a connections.Registry. Register it with
// connections.WithObserver. Store failures are logged and never fail the
// connection.
type Mirror struct {
	store   Store
	node    string
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithNode records node as the holder of every mirrored connection. Defaults
// to the host name.
func WithNode(node string) MirrorOption {
	return func(m *Mirror) { m.node = node }
}

// WithRecordTTL expires records that are not refreshed within ttl. Zero keeps
// records until the connection is removed.
func WithRecordTTL(ttl time.Duration) MirrorOption {
	return func(m *Mirror) { m.ttl = ttl }
}

// WithMirrorLogger sets the logger used to report store failures.
func WithMirrorLogger(l *slog.Logger) MirrorOption {
	return func(m *Mirror) { m.log = l }
}

// NewMirror returns an observer that writes connection records to s.
func NewMirror(s Store, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		store:   s,
		timeout: 2 * time.Second,
		log:     slog.Default(),
	}
	if host, err := os.Hostname(); err == nil {
		m.node = host
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mirror) ConnectionCreated(ctx context.Context, c *connections.Connection) {
	m.put(ctx, c)
}

func (m *Mirror) TransportSelected(ctx context.Context, c *connections.Connection) {
	m.put(ctx, c)
}

func (m *Mirror) ConnectionSeen(ctx context.Context, c *connections.Connection) {
	m.put(ctx, c)
}

func (m *Mirror) ConnectionRemoved(ctx context.Context, c *connections.Connection) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	if err := m.store.Delete(ctx, c.ID()); err != nil {
		m.log.WarnContext(ctx, "store.delete.fail", slog.String("conn_id", c.ID()), slog.String("err", err.Error()))
	}
}

func (m *Mirror) put(ctx context.Context, c *connections.Connection) {
	rec := Record{
		ConnectionID: c.ID(),
		Transport:    c.Transport().String(),
		UserID:       c.RequestInfo().UserID(),
		Node:         m.node,
		CreatedAt:    c.CreatedAt(),
		LastSeen:     c.LastSeen(),
	}
	var opts []Option
	if m.ttl > 0 {
		opts = append(opts, WithTTL(m.ttl))
	}

	ctx, cancel := m.opContext(ctx)
	defer cancel()
	if err := m.store.Put(ctx, rec, opts...); err != nil {
		m.log.WarnContext(ctx, "store.put.fail", slog.String("conn_id", c.ID()), slog.String("err", err.Error()))
	}
}

// opContext detaches from the request so a finished request does not abort
// the write, but still bounds it.
func (m *Mirror) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

var _ connections.Observer = (*Mirror)(nil)
