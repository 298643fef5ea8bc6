package connections

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/httpconnections-go/internal/logctx"
	"github.com/ggoodman/httpconnections-go/pipe"
)

const (
	// DefaultDisconnectTimeout is how long an inactive connection may go
	// without a poll before the reaper disposes it.
	DefaultDisconnectTimeout = 15 * time.Second
	defaultScanInterval      = time.Second
	defaultDisposeTimeout    = 5 * time.Second
	disposeConcurrency       = 16
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used by the registry and its connections.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithPipeOptions bounds the two directions of every connection's channel.
// transport bounds bytes flowing from the wire to the application; app bounds
// bytes flowing from the application to the wire.
func WithPipeOptions(transport, app pipe.Options) RegistryOption {
	return func(r *Registry) { r.transportOpts, r.appOpts = transport, app }
}

// WithDisconnectTimeout sets how long an inactive connection is kept.
func WithDisconnectTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.disconnectTimeout = d }
}

// WithObserver registers a lifecycle observer. May be repeated.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// Registry owns the set of live connections keyed by id. Lookups and
// mutations of the set are lock free; per-connection state is guarded by
// each connection.
type Registry struct {
	conns sync.Map // id -> *Connection

	log               *slog.Logger
	observers         Observers
	obs               Observer
	transportOpts     pipe.Options
	appOpts           pipe.Options
	disconnectTimeout time.Duration
	scanInterval      time.Duration
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:               slog.Default(),
		transportOpts:     pipe.DefaultOptions(),
		appOpts:           pipe.DefaultOptions(),
		disconnectTimeout: DefaultDisconnectTimeout,
		scanInterval:      defaultScanInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, ok := r.log.Handler().(logctx.Handler); !ok {
		r.log = slog.New(logctx.Handler{Handler: r.log.Handler()})
	}
	r.obs = r.observers
	return r
}

// Create allocates a new inactive connection with a fresh id.
func (r *Registry) Create(ctx context.Context) *Connection {
	c := newConnection(uuid.NewString(), r)
	r.conns.Store(c.id, c)
	r.log.DebugContext(ctx, "connection.create", slog.String("conn_id", c.id))
	r.obs.ConnectionCreated(ctx, c)
	return c
}

// TryGet looks a connection up by id. Disposed connections are reported as
// missing.
func (r *Registry) TryGet(id string) (*Connection, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	c := v.(*Connection)
	if c.Status() == StatusDisposed {
		return nil, false
	}
	return c, true
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	r.conns.Range(func(_, _ any) bool { n++; return true })
	return n
}

// DisposeAndRemove closes c and removes it from the registry. The connection
// is removed even when closing fails.
func (r *Registry) DisposeAndRemove(ctx context.Context, c *Connection, graceful bool) error {
	start := time.Now()
	err := c.Close(ctx, graceful)
	if r.conns.CompareAndDelete(c.id, c) {
		r.obs.ConnectionRemoved(ctx, c)
	}
	if err != nil {
		r.log.WarnContext(ctx, "connection.dispose.fail", slog.String("conn_id", c.id), slog.String("err", err.Error()))
		return err
	}
	r.log.DebugContext(ctx, "connection.dispose.ok", slog.String("conn_id", c.id), slog.Bool("graceful", graceful), slog.Duration("dur", time.Since(start)))
	return nil
}

// Scan disposes every inactive connection that has not been seen for longer
// than the disconnect timeout.
func (r *Registry) Scan(ctx context.Context, now time.Time) error {
	var stale []*Connection
	r.conns.Range(func(_, v any) bool {
		c := v.(*Connection)
		c.mu.Lock()
		idle := c.status == StatusInactive && now.Sub(c.lastSeen) > r.disconnectTimeout
		c.mu.Unlock()
		if idle {
			stale = append(stale, c)
		}
		return true
	})
	if len(stale) == 0 {
		return nil
	}
	r.log.InfoContext(ctx, "registry.scan.reap", slog.Int("count", len(stale)))
	return r.disposeAll(ctx, stale, false)
}

// Run scans for idle connections until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.scanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if err := r.Scan(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				r.log.WarnContext(ctx, "registry.scan.fail", slog.String("err", err.Error()))
			}
		}
	}
}

// CloseAll gracefully terminates every connection, for server shutdown.
func (r *Registry) CloseAll(ctx context.Context) error {
	var all []*Connection
	r.conns.Range(func(_, v any) bool {
		all = append(all, v.(*Connection))
		return true
	})
	return r.disposeAll(ctx, all, true)
}

func (r *Registry) disposeAll(ctx context.Context, conns []*Connection, graceful bool) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(disposeConcurrency)
	for _, c := range conns {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, defaultDisposeTimeout)
			defer cancel()
			if err := r.DisposeAndRemove(dctx, c, graceful); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
