package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/httpconnections-go/client"
	"github.com/ggoodman/httpconnections-go/connections"
	"github.com/ggoodman/httpconnections-go/httpconnections"
)

func echoApp() connections.Application {
	return connections.ApplicationFunc(func(ctx context.Context, c *connections.Connection) error {
		end := c.Application()
		for {
			b, err := end.ReadAvailable(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if _, err := end.Write(ctx, b); err != nil {
				return err
			}
		}
	})
}

func newServer(t *testing.T, app connections.Application, opts ...httpconnections.Option) (*httpconnections.Handler, *client.Client) {
	t.Helper()
	opts = append([]httpconnections.Option{
		httpconnections.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		httpconnections.WithPollTimeout(time.Second),
	}, opts...)
	h, err := httpconnections.New("/chat", app, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})
	return h, client.New(srv.URL + "/chat")
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// pollUntil polls until at least want bytes arrived or the connection ended.
func pollUntil(t *testing.T, ctx context.Context, c *client.Client, id string, want int) ([]byte, bool) {
	t.Helper()
	var out []byte
	for len(out) < want {
		data, done, err := c.Poll(ctx, id)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		out = append(out, data...)
		if done {
			return out, true
		}
	}
	return out, false
}

func TestClient_Negotiate(t *testing.T) {
	ctx := testContext(t)
	h, c := newServer(t, echoApp())

	resp, err := c.Negotiate(ctx)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if _, ok := h.Registry().TryGet(resp.ConnectionID); !ok {
		t.Fatalf("connection %q not registered", resp.ConnectionID)
	}
	for _, name := range []string{"WebSockets", "ServerSentEvents", "LongPolling"} {
		if !resp.Supports(name) {
			t.Errorf("expected %s to be offered", name)
		}
	}
}

func TestClient_NegotiateRestrictedTransports(t *testing.T) {
	ctx := testContext(t)
	_, c := newServer(t, echoApp(), httpconnections.WithTransports(connections.TransportLongPolling))

	resp, err := c.Negotiate(ctx)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if resp.Supports("WebSockets") || !resp.Supports("LongPolling") {
		t.Fatalf("unexpected transports: %+v", resp.AvailableTransports)
	}
}

func TestClient_LongPolling(t *testing.T) {
	ctx := testContext(t)
	h, c := newServer(t, echoApp())

	resp, err := c.Negotiate(ctx)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	id := resp.ConnectionID

	if err := c.Send(ctx, id, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, done := pollUntil(t, ctx, c, id, len("hello"))
	if done || string(got) != "hello" {
		t.Fatalf("unexpected poll result %q done=%v", got, done)
	}

	if err := c.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := h.Registry().TryGet(id); ok {
		t.Fatal("connection should be gone after delete")
	}

	_, _, err = c.Poll(ctx, id)
	var se *client.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %v", err)
	}
}

func TestClient_PollReportsDone(t *testing.T) {
	ctx := testContext(t)
	app := connections.ApplicationFunc(func(ctx context.Context, c *connections.Connection) error {
		_, err := c.Application().Write(ctx, []byte("bye"))
		return err
	})
	_, c := newServer(t, app)

	resp, err := c.Negotiate(ctx)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	got, done := pollUntil(t, ctx, c, resp.ConnectionID, len("bye"))
	if !done {
		_, done, err = c.Poll(ctx, resp.ConnectionID)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if !done {
		t.Fatal("expected the connection to report completion")
	}
	if string(got) != "bye" && len(got) != 0 {
		t.Fatalf("unexpected data %q", got)
	}
}

func TestClient_SendUnknownConnection(t *testing.T) {
	ctx := testContext(t)
	_, c := newServer(t, echoApp())

	err := c.Send(ctx, "missing", []byte("x"))
	var se *client.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected a status error, got %v", err)
	}
	if want, got := http.StatusNotFound, se.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if se.Body != "No Connection with that ID" {
		t.Fatalf("unexpected body %q", se.Body)
	}
}

func TestClient_RequiresID(t *testing.T) {
	ctx := testContext(t)
	c := client.New("http://127.0.0.1:0/chat")
	if err := c.Send(ctx, "", nil); err == nil {
		t.Fatal("expected an error for an empty id")
	}
	if _, _, err := c.Poll(ctx, ""); err == nil {
		t.Fatal("expected an error for an empty id")
	}
	if err := c.Delete(ctx, ""); err == nil {
		t.Fatal("expected an error for an empty id")
	}
}

func TestClient_DialWebSocket(t *testing.T) {
	ctx := testContext(t)
	_, c := newServer(t, echoApp())

	t.Run("negotiated", func(t *testing.T) {
		resp, err := c.Negotiate(ctx)
		if err != nil {
			t.Fatalf("negotiate: %v", err)
		}
		conn, err := c.DialWebSocket(ctx, resp.ConnectionID)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ping")); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil || string(msg) != "ping" {
			t.Fatalf("unexpected echo %q %v", msg, err)
		}

		_, err = c.DialWebSocket(ctx, resp.ConnectionID)
		var se *client.StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409 for a second upgrade, got %v", err)
		}
	})
}

func TestClient_DialWebSocketWithoutNegotiate(t *testing.T) {
	ctx := testContext(t)
	h, c := newServer(t, echoApp())

	conn, err := c.DialWebSocket(ctx, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if want, got := 1, h.Registry().Len(); want != got {
		t.Fatalf("expected a new connection: want %d got %d", want, got)
	}
}
