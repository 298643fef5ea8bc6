package pipe

import (
	"context"
	"io"
)

// End is one side of a duplex pair: it reads from one pipe and writes into the
// other.
type End struct {
	in  *Pipe
	out *Pipe
}

// NewPair links two pipes into a duplex channel.
//
// Bytes written to transport are read from application through a pipe bounded
// by transportOpts. Bytes written to application are read from transport
// through a pipe bounded by applicationOpts.
func NewPair(transportOpts, applicationOpts Options) (transport, application *End) {
	toApp := New(transportOpts)
	toTransport := New(applicationOpts)
	return &End{in: toTransport, out: toApp}, &End{in: toApp, out: toTransport}
}

// Input is the pipe this end reads from.
func (e *End) Input() *Pipe { return e.in }

// Output is the pipe this end writes to.
func (e *End) Output() *Pipe { return e.out }

func (e *End) Read(ctx context.Context, b []byte) (int, error) { return e.in.Read(ctx, b) }

func (e *End) ReadAvailable(ctx context.Context) ([]byte, error) { return e.in.ReadAvailable(ctx) }

func (e *End) Write(ctx context.Context, b []byte) (int, error) { return e.out.Write(ctx, b) }

// CloseWrite completes this end's output, optionally with a terminal error
// for the peer to observe.
func (e *End) CloseWrite(err error) { e.out.CloseWrite(err) }

// CloseRead stops reading this end's input.
func (e *End) CloseRead(err error) { e.in.CloseRead(err) }

// Reader adapts the input side to io.Reader, bound to ctx.
func (e *End) Reader(ctx context.Context) io.Reader { return ctxReader{ctx: ctx, p: e.in} }

// Writer adapts the output side to io.Writer, bound to ctx.
func (e *End) Writer(ctx context.Context) io.Writer { return ctxWriter{ctx: ctx, p: e.out} }

type ctxReader struct {
	ctx context.Context
	p   *Pipe
}

func (r ctxReader) Read(b []byte) (int, error) { return r.p.Read(r.ctx, b) }

type ctxWriter struct {
	ctx context.Context
	p   *Pipe
}

func (w ctxWriter) Write(b []byte) (int, error) { return w.p.Write(w.ctx, b) }
