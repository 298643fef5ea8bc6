// Package pipe provides bounded in-memory byte pipes with watermark based
// backpressure. A pair of pipes forms the duplex channel that sits between a
// hosted application and whichever wire transport currently serves it.
package pipe

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosedPipe is returned by Write after the reading side has gone away, or
// after the writing side was completed.
var ErrClosedPipe = errors.New("pipe: closed")

// Default watermarks used by DefaultOptions.
const (
	DefaultHighWater = 64 * 1024
	DefaultLowWater  = DefaultHighWater / 2
)

// Options bounds a single pipe direction.
//
// A writer is suspended once the number of unread bytes exceeds HighWater and
// resumes when the reader has drained the buffer to LowWater or below. A
// HighWater of zero or less disables backpressure entirely.
type Options struct {
	HighWater int64
	LowWater  int64
}

// DefaultOptions returns 64KiB / 32KiB watermarks.
func DefaultOptions() Options {
	return Options{HighWater: DefaultHighWater, LowWater: DefaultLowWater}
}

func (o Options) normalize() Options {
	if o.HighWater <= 0 {
		return Options{}
	}
	if o.LowWater <= 0 || o.LowWater > o.HighWater {
		o.LowWater = o.HighWater / 2
	}
	return o
}

// Pipe is one direction of a duplex channel. It is safe for any number of
// concurrent writers and a single reader.
type Pipe struct {
	opts Options

	mu      sync.Mutex
	buf     []byte
	paused  bool
	changed chan struct{}

	writeDone bool
	writeErr  error
	readDone  bool
	readErr   error
}

// New creates an empty pipe bounded by opts.
func New(opts Options) *Pipe {
	return &Pipe{opts: opts.normalize(), changed: make(chan struct{})}
}

// broadcastLocked wakes every goroutine currently waiting on the pipe.
func (p *Pipe) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Buffered reports the number of unread bytes.
func (p *Pipe) Buffered() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.buf))
}

// Write appends b to the pipe. When the pipe is over its high watermark after
// the append, Write blocks until the reader drains it, either side is
// completed, or ctx is done. Bytes are accepted before any wait, so a Write interrupted
// by ctx still reports len(b) alongside the context error.
func (p *Pipe) Write(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	if p.readDone {
		err := p.readErr
		p.mu.Unlock()
		return 0, closedErr(err)
	}
	if p.writeDone {
		p.mu.Unlock()
		return 0, ErrClosedPipe
	}
	if len(b) > 0 {
		p.buf = append(p.buf, b...)
		if p.opts.HighWater > 0 && int64(len(p.buf)) > p.opts.HighWater {
			p.paused = true
		}
		p.broadcastLocked()
	}

	for p.paused && !p.readDone && !p.writeDone {
		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return len(b), ctx.Err()
		}
		p.mu.Lock()
	}
	defer p.mu.Unlock()
	if p.readDone {
		return len(b), closedErr(p.readErr)
	}
	if p.paused && p.writeDone {
		return len(b), ErrClosedPipe
	}
	return len(b), nil
}

// ReadAvailable blocks until at least one byte is buffered and then returns
// everything that is. Buffered data is always returned before a completion or
// context error is reported. Once the writer has completed and the buffer is
// empty it returns io.EOF, or the error the writer completed with.
func (p *Pipe) ReadAvailable(ctx context.Context) ([]byte, error) {
	return p.read(ctx, func(buf []byte) int { return len(buf) }, nil)
}

// Read copies up to len(b) buffered bytes into b, blocking while the pipe is
// empty.
func (p *Pipe) Read(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	out, err := p.read(ctx, func(buf []byte) int { return min(len(buf), len(b)) }, b)
	return len(out), err
}

func (p *Pipe) read(ctx context.Context, take func([]byte) int, dst []byte) ([]byte, error) {
	p.mu.Lock()
	for {
		if p.readDone {
			err := p.readErr
			p.mu.Unlock()
			return nil, closedErr(err)
		}
		if len(p.buf) > 0 {
			n := take(p.buf)
			var out []byte
			if dst != nil {
				out = dst[:copy(dst, p.buf[:n])]
			} else {
				out = make([]byte, n)
				copy(out, p.buf[:n])
			}
			p.consumeLocked(n)
			p.mu.Unlock()
			return out, nil
		}
		if p.writeDone {
			err := p.writeErr
			p.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}

		ch := p.changed
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		p.mu.Lock()
	}
}

func (p *Pipe) consumeLocked(n int) {
	rest := len(p.buf) - n
	if rest == 0 {
		p.buf = p.buf[:0]
	} else {
		copy(p.buf, p.buf[n:])
		p.buf = p.buf[:rest]
	}
	if p.paused && int64(len(p.buf)) <= p.opts.LowWater {
		p.paused = false
	}
	p.broadcastLocked()
}

// CloseWrite completes the writing side. The reader drains whatever is still
// buffered and then observes io.EOF when err is nil, or err otherwise. Only
// the first completion is recorded.
func (p *Pipe) CloseWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeDone {
		return
	}
	p.writeDone = true
	p.writeErr = err
	p.broadcastLocked()
}

// CloseRead completes the reading side. Buffered bytes are discarded and
// every pending and future Write fails.
func (p *Pipe) CloseRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readDone {
		return
	}
	p.readDone = true
	p.readErr = err
	p.buf = nil
	p.paused = false
	p.broadcastLocked()
}

func closedErr(err error) error {
	if err == nil {
		return ErrClosedPipe
	}
	return err
}
