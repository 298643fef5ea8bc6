package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/httpconnections-go/connections"
	"github.com/ggoodman/httpconnections-go/pipe"
)

// DefaultCloseTimeout bounds how long the server waits for the client to
// acknowledge a close frame once the application has finished.
const DefaultCloseTimeout = 5 * time.Second

const controlWriteTimeout = time.Second

// WebSocketConn is the subset of *websocket.Conn the transport uses.
type WebSocketConn interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Subprotocol() string
	Close() error
}

// WebSocketAcceptor upgrades an HTTP request to a WebSocket. On failure the
// acceptor has already written an HTTP error response.
type WebSocketAcceptor interface {
	Accept(w http.ResponseWriter, r *http.Request) (WebSocketConn, error)
}

// WebSocketOptions configures the WebSocket transport.
type WebSocketOptions struct {
	CloseTimeout time.Duration
	// SubProtocol is selected when the client offers it.
	SubProtocol string
	// CheckOrigin overrides the default same-origin check.
	CheckOrigin     func(r *http.Request) bool
	ReadBufferSize  int
	WriteBufferSize int
}

// GorillaAcceptor upgrades requests with a gorilla/websocket Upgrader.
type GorillaAcceptor struct {
	Upgrader websocket.Upgrader
}

// NewWebSocketAcceptor returns the default acceptor for opts.
func NewWebSocketAcceptor(opts WebSocketOptions) *GorillaAcceptor {
	a := &GorillaAcceptor{Upgrader: websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}}
	if opts.SubProtocol != "" {
		a.Upgrader.Subprotocols = []string{opts.SubProtocol}
	}
	return a
}

func (a *GorillaAcceptor) Accept(w http.ResponseWriter, r *http.Request) (WebSocketConn, error) {
	conn, err := a.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// IsWebSocketRequest reports whether r asks for a WebSocket upgrade.
func IsWebSocketRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// WebSockets runs a receive loop copying client frames into the channel and
// a send loop writing application output as frames. The request ends when the
// client closes the socket, or when the application finishes and the client
// has acknowledged the close frame (or CloseTimeout elapsed).
type WebSockets struct {
	acceptor     WebSocketAcceptor
	end          *pipe.End
	format       FormatSource
	closeTimeout time.Duration
	log          *slog.Logger

	closing atomic.Bool
}

func NewWebSockets(acceptor WebSocketAcceptor, end *pipe.End, format FormatSource, closeTimeout time.Duration, log *slog.Logger) *WebSockets {
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	return &WebSockets{acceptor: acceptor, end: end, format: format, closeTimeout: closeTimeout, log: discardLogger(log)}
}

func (s *WebSockets) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	conn, err := s.acceptor.Accept(w, r)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	defer conn.Close()
	s.log.InfoContext(ctx, "ws.accept", slog.String("subprotocol", conn.Subprotocol()))

	// The receive loop may be parked on backpressure rather than on the
	// socket, so closing the socket alone does not stop it.
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	recvDone := make(chan error, 1)
	go func() { recvDone <- s.receive(recvCtx, conn) }()

	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	sendDone := make(chan error, 1)
	go func() { sendDone <- s.send(sendCtx, conn) }()

	select {
	case err := <-recvDone:
		cancelSend()
		sendErr := <-sendDone
		if err != nil {
			s.log.WarnContext(ctx, "ws.receive.fail", slog.String("err", err.Error()))
		} else {
			s.log.InfoContext(ctx, "ws.client.close")
		}
		return nonCancel(sendErr)
	case err := <-sendDone:
		if !s.closing.Load() {
			// No close frame went out; there is nothing to wait for.
			_ = conn.Close()
			cancelRecv()
			<-recvDone
			if err != nil && ctx.Err() == nil {
				s.log.WarnContext(ctx, "ws.send.fail", slog.String("err", err.Error()))
			}
			return nonCancel(err)
		}
		timer := time.NewTimer(s.closeTimeout)
		defer timer.Stop()
		select {
		case <-recvDone:
		case <-timer.C:
			s.log.WarnContext(ctx, "ws.close.timeout", slog.Duration("timeout", s.closeTimeout))
			_ = conn.Close()
			cancelRecv()
			<-recvDone
		}
		if err != nil {
			s.log.WarnContext(ctx, "ws.app.fail", slog.String("err", err.Error()))
		}
		return nil
	}
}

func (s *WebSockets) receive(ctx context.Context, conn WebSocketConn) error {
	out := s.end.Writer(ctx)
	for {
		mt, rd, err := conn.NextReader()
		if err != nil {
			if s.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.end.CloseWrite(nil)
				return nil
			}
			s.end.CloseWrite(err)
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if _, err := io.Copy(out, rd); err != nil {
			// The application stopped reading; keep draining so control frames are still processed.
			if errors.Is(err, pipe.ErrClosedPipe) {
				continue
			}
			return err
		}
	}
}

func (s *WebSockets) send(ctx context.Context, conn WebSocketConn) error {
	for {
		data, err := s.end.ReadAvailable(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.closing.Store(true)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(controlWriteTimeout))
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				s.closing.Store(true)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Server error"), time.Now().Add(controlWriteTimeout))
				return err
			}
		}
		if err := conn.WriteMessage(s.messageType(), data); err != nil {
			return fmt.Errorf("websocket write failed: %w", err)
		}
	}
}

func (s *WebSockets) messageType() int {
	if s.format != nil && s.format.ActiveFormat() == connections.TransferFormatBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func nonCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

var (
	_ Transport         = (*WebSockets)(nil)
	_ WebSocketAcceptor = (*GorillaAcceptor)(nil)
	_ WebSocketConn     = (*websocket.Conn)(nil)
)
