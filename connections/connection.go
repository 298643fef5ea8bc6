package connections

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/httpconnections-go/internal/logctx"
	"github.com/ggoodman/httpconnections-go/pipe"
)

// Application is the hosted logic served over a logical connection. It is
// started at most once per connection and runs independently of individual
// transport requests. Returning ends the connection; a non-nil error is
// delivered to the client through the transport.
type Application interface {
	ServeConnection(ctx context.Context, conn *Connection) error
}

// ApplicationFunc adapts a function to the Application interface.
type ApplicationFunc func(ctx context.Context, conn *Connection) error

func (f ApplicationFunc) ServeConnection(ctx context.Context, conn *Connection) error {
	return f(ctx, conn)
}

// RunFunc serves one transport request against the transport end of the
// connection's duplex channel. It must not call back into the Connection.
type RunFunc func(ctx context.Context, end *pipe.End) error

// Connection is the per-connection state machine. Status and task fields are
// only touched while holding mu, which is never held across I/O except while
// a superseded poll drains.
type Connection struct {
	id        string
	createdAt time.Time
	log       *slog.Logger
	obs       Observer

	transportOpts pipe.Options
	appOpts       pipe.Options

	lifetime       context.Context
	cancelLifetime context.CancelCauseFunc

	activeFormat atomic.Uint32

	// sendMu serializes POST bodies so concurrent sends do not interleave.
	sendMu sync.Mutex

	mu                sync.Mutex
	status            Status
	transport         TransportType
	supportedFormats  TransferFormat
	inherentKeepAlive bool
	appTask           *Task
	transportTask     *Task
	pollCancel        context.CancelCauseFunc
	lastSeen          time.Time
	info              RequestInfo
	transportEnd      *pipe.End
	appEnd            *pipe.End
}

func newConnection(id string, r *Registry) *Connection {
	now := time.Now()
	c := &Connection{
		id:            id,
		createdAt:     now,
		lastSeen:      now,
		log:           r.log,
		obs:           r.obs,
		transportOpts: r.transportOpts,
		appOpts:       r.appOpts,
	}
	ctx := logctx.WithConnectionData(context.Background(), &logctx.ConnectionData{ConnectionID: id})
	c.lifetime, c.cancelLifetime = context.WithCancelCause(ctx)
	return c
}

func (c *Connection) ID() string           { return c.id }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Context is cancelled when the connection is torn down.
func (c *Connection) Context() context.Context { return c.lifetime }

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) Transport() TransportType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// LastSeen is the last time the connection went back to inactive after a
// poll, or its creation time.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// RequestInfo is the identity of the most recent request that served the
// connection.
func (c *Connection) RequestInfo() RequestInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Connection) SupportedFormats() TransferFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supportedFormats
}

// HasInherentKeepAlive reports whether the transport keeps the connection
// alive on its own. Long polling does: every poll is a liveness signal.
func (c *Connection) HasInherentKeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inherentKeepAlive
}

// ActiveFormat is the format outbound data is framed with. Defaults to text.
func (c *Connection) ActiveFormat() TransferFormat {
	if f := TransferFormat(c.activeFormat.Load()); f != 0 {
		return f
	}
	return TransferFormatText
}

// SetActiveFormat selects a single transfer format supported by the
// connection's transport.
func (c *Connection) SetActiveFormat(f TransferFormat) error {
	if f != TransferFormatText && f != TransferFormatBinary {
		return fmt.Errorf("invalid transfer format %d", f)
	}
	if sup := c.SupportedFormats(); sup != 0 && sup&f == 0 {
		return fmt.Errorf("transfer format %s not supported by transport %s", f, c.Transport())
	}
	c.activeFormat.Store(uint32(f))
	return nil
}

// Application returns the application's end of the duplex channel.
func (c *Connection) Application() *pipe.End {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensurePipesLocked()
	return c.appEnd
}

func (c *Connection) ensurePipesLocked() {
	if c.transportEnd == nil {
		c.transportEnd, c.appEnd = pipe.NewPair(c.transportOpts, c.appOpts)
	}
}

// EnsureTransport fixes the connection's transport on first use and rejects
// any later request that asks for a different one.
func (c *Connection) EnsureTransport(ctx context.Context, t TransportType) error {
	c.mu.Lock()
	if c.status == StatusDisposed {
		c.mu.Unlock()
		return ErrConnectionDisposed
	}
	switch c.transport {
	case t:
		c.mu.Unlock()
		return nil
	case TransportNone:
	default:
		cur := c.transport
		c.mu.Unlock()
		return fmt.Errorf("%w: connection uses %s, request asked for %s", ErrTransportMismatch, cur, t)
	}
	c.transport = t
	c.supportedFormats = SupportedFormats(t)
	c.inherentKeepAlive = t == TransportLongPolling
	c.mu.Unlock()

	c.obs.TransportSelected(ctx, c)
	return nil
}

// StartStreaming activates the connection for a persistent transport
// request. Persistent transports never overlap: a second request while one
// is active fails with ErrConnectionActive. The transport task runs with ctx,
// which should be the request's context.
func (c *Connection) StartStreaming(ctx context.Context, info RequestInfo, app Application, run RunFunc) (appTask, transportTask *Task, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case StatusDisposed:
		return nil, nil, ErrConnectionDisposed
	case StatusActive:
		return nil, nil, ErrConnectionActive
	}
	c.status = StatusActive
	c.info = info
	c.ensurePipesLocked()
	c.startApplicationLocked(app)

	end := c.transportEnd
	c.transportTask = Go(func() error { return run(ctx, end) })
	return c.appTask, c.transportTask, nil
}

// StartPoll activates the connection for one long-polling request.
//
// If another poll is outstanding it is cancelled with ErrPollSuperseded and
// its transport task is drained before this poll starts, so two polls never
// write concurrently. The application is started on the first poll only. The
// poll's context ends when ctx does, when a newer poll supersedes it, or
// after timeout with cause ErrPollTimeout.
func (c *Connection) StartPoll(ctx context.Context, info RequestInfo, app Application, timeout time.Duration, run RunFunc) (appTask, transportTask *Task, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusDisposed {
		return nil, nil, ErrConnectionDisposed
	}
	if c.status == StatusActive {
		if c.pollCancel != nil {
			c.pollCancel(ErrPollSuperseded)
		}
		if prev := c.transportTask; prev != nil {
			c.log.DebugContext(ctx, "poll.supersede.wait")
			<-prev.Done()
		}
	}

	c.status = StatusActive
	c.info = info
	c.ensurePipesLocked()
	c.startApplicationLocked(app)

	pollCtx, cancel := context.WithCancelCause(ctx)
	stop := context.CancelFunc(func() {})
	if timeout > 0 {
		pollCtx, stop = context.WithTimeoutCause(pollCtx, timeout, ErrPollTimeout)
	}
	c.pollCancel = cancel

	end := c.transportEnd
	c.transportTask = Go(func() error {
		defer cancel(nil)
		defer stop()
		return run(pollCtx, end)
	})
	return c.appTask, c.transportTask, nil
}

// EndPoll returns the connection to inactive after the poll whose transport
// task is t has finished. It is a no-op when a newer poll has taken over, or
// when the connection was disposed meanwhile.
func (c *Connection) EndPoll(ctx context.Context, t *Task) bool {
	c.mu.Lock()
	if c.status != StatusActive || c.transportTask != t {
		c.mu.Unlock()
		return false
	}
	c.status = StatusInactive
	c.lastSeen = time.Now()
	c.pollCancel = nil
	c.mu.Unlock()

	c.obs.ConnectionSeen(ctx, c)
	return true
}

func (c *Connection) startApplicationLocked(app Application) {
	if c.appTask != nil {
		return
	}
	appEnd := c.appEnd
	ctx := c.lifetime
	c.appTask = Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("application panic: %v", r)
			}
			if err != nil {
				c.log.WarnContext(ctx, "connection.app.fail", slog.String("err", err.Error()))
			} else {
				c.log.DebugContext(ctx, "connection.app.done")
			}
			// The transport observes the application's outcome through its input.
			appEnd.CloseWrite(err)
			appEnd.CloseRead(nil)
		}()
		return app.ServeConnection(ctx, c)
	})
}

// Send copies r into the application's input. Concurrent sends are
// serialized. Backpressure from a slow application blocks the copy.
func (c *Connection) Send(ctx context.Context, r io.Reader) (int64, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.status == StatusDisposed {
		c.mu.Unlock()
		return 0, ErrConnectionDisposed
	}
	c.ensurePipesLocked()
	end := c.transportEnd
	c.mu.Unlock()

	buf := make([]byte, 32*1024)
	var n int64
	for {
		nr, rerr := r.Read(buf)
		if nr > 0 {
			if _, werr := end.Write(ctx, buf[:nr]); werr != nil {
				if err := ctx.Err(); err != nil {
					return n, err
				}
				return n, fmt.Errorf("%w: %w", ErrConnectionDisposed, werr)
			}
			n += int64(nr)
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, fmt.Errorf("%w: %w", ErrReadBody, rerr)
		}
	}
}

// Close tears the connection down and marks it disposed.
//
// A graceful close completes the application's input and waits for the
// application and any transport request to finish. A non-graceful close also
// cancels the application's context and fails pending reads and writes with
// ErrConnectionAborted. If ctx ends before the tasks finish, a graceful close
// escalates to an abort and ctx's error is returned.
func (c *Connection) Close(ctx context.Context, graceful bool) error {
	c.mu.Lock()
	if c.status == StatusDisposed {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusDisposed
	appTask, transportTask, cancelPoll := c.appTask, c.transportTask, c.pollCancel
	c.pollCancel = nil
	transportEnd := c.transportEnd
	c.mu.Unlock()

	if cancelPoll != nil {
		cancelPoll(ErrConnectionClosed)
	}
	if transportEnd != nil {
		transportEnd.CloseWrite(nil)
	}
	if !graceful {
		c.abort(ErrConnectionAborted)
	}

	err := waitTasks(ctx, appTask, transportTask)
	if err != nil {
		c.abort(ErrConnectionAborted)
	}
	c.abort(ErrConnectionDisposed)
	return err
}

func (c *Connection) abort(cause error) {
	c.cancelLifetime(cause)
	c.mu.Lock()
	transportEnd, appEnd := c.transportEnd, c.appEnd
	c.mu.Unlock()
	if transportEnd == nil {
		return
	}
	transportEnd.CloseRead(cause)
	appEnd.CloseRead(cause)
	appEnd.CloseWrite(cause)
}

func waitTasks(ctx context.Context, tasks ...*Task) error {
	for _, t := range tasks {
		if t == nil {
			continue
		}
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
