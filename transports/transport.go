// Package transports adapts each wire protocol (long polling, Server-Sent
// Events and WebSockets) to the transport end of a connection's duplex
// channel. Adapters never touch connection state; they only move bytes
// between one HTTP request and the channel.
package transports

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ggoodman/httpconnections-go/connections"
)

// Transport serves a single HTTP request for a connection.
type Transport interface {
	ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// FormatSource reports the transfer format outbound data should use.
type FormatSource interface {
	ActiveFormat() connections.TransferFormat
}

func discardLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}
