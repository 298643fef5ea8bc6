package httpconnections

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/httpconnections-go/auth"
	"github.com/ggoodman/httpconnections-go/connections"
	"github.com/ggoodman/httpconnections-go/internal/logctx"
	"github.com/ggoodman/httpconnections-go/metrics"
	"github.com/ggoodman/httpconnections-go/pipe"
	"github.com/ggoodman/httpconnections-go/transports"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	msgConnectionIDRequired = "Connection ID required"
	msgNoConnection         = "No Connection with that ID"
	msgPostToWebSocket      = "POST requests are not allowed for WebSocket connections."
	msgTransportMismatch    = "Cannot change transports mid-connection"
	msgCannotTerminate      = "Cannot terminate this connection using the DELETE endpoint."
	msgReadBodyFailed       = "Failed to read request body"
)

// writeTextError emits a plain-text body for client protocol errors.
func writeTextError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// Handler serves one connection endpoint: negotiate, send, connect/poll and
// terminate, all below a single base path.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	app      connections.Application
	registry *connections.Registry
	opts     Options

	auth     auth.Authenticator
	realm    string
	acceptor transports.WebSocketAcceptor
	metrics  *metrics.Metrics

	disposeTimeout time.Duration
}

// New constructs a Handler serving app at base, e.g. "/chat". The negotiate
// endpoint is mounted at base + "/negotiate".
//
// The handler owns a connections.Registry. Call Run to reap idle
// connections and Shutdown to terminate every connection.
func New(base string, app connections.Application, opts ...Option) (*Handler, error) {
	if app == nil {
		return nil, fmt.Errorf("application is required")
	}
	if base != "" && !strings.HasPrefix(base, "/") {
		return nil, fmt.Errorf("base path must start with '/', got %q", base)
	}

	cfg := &newConfig{opts: DefaultOptions(), logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.opts.Transports == connections.TransportNone {
		return nil, fmt.Errorf("at least one transport must be enabled")
	}

	acceptor := cfg.acceptor
	if !cfg.acceptorSet {
		acceptor = transports.NewWebSocketAcceptor(cfg.opts.WebSockets)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	regOpts := []connections.RegistryOption{
		connections.WithLogger(log),
		connections.WithPipeOptions(bufferOptions(cfg.opts.TransportMaxBufferSize), bufferOptions(cfg.opts.ApplicationMaxBufferSize)),
	}
	if cfg.opts.DisconnectTimeout > 0 {
		regOpts = append(regOpts, connections.WithDisconnectTimeout(cfg.opts.DisconnectTimeout))
	}
	if cfg.metrics != nil {
		regOpts = append(regOpts, connections.WithObserver(cfg.metrics))
	}
	for _, o := range cfg.observers {
		regOpts = append(regOpts, connections.WithObserver(o))
	}

	h := &Handler{
		log:            log,
		app:            app,
		registry:       connections.NewRegistry(regOpts...),
		opts:           cfg.opts,
		auth:           cfg.authenticator,
		realm:          cfg.realm,
		acceptor:       acceptor,
		metrics:        cfg.metrics,
		disposeTimeout: defaultDisposeTimeout,
	}

	path := strings.TrimSuffix(base, "/")
	endpoint := path
	if endpoint == "" {
		endpoint = "/{$}"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s/negotiate", path), h.handleNegotiate)
	mux.HandleFunc(fmt.Sprintf("POST %s", endpoint), h.handleSend)
	mux.HandleFunc(fmt.Sprintf("GET %s", endpoint), h.handleConnect)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", endpoint), h.handleDelete)
	h.mux = mux
	return h, nil
}

// Registry exposes the handler's connections.
func (h *Handler) Registry() *connections.Registry { return h.registry }

// Run reaps idle connections until ctx is done.
func (h *Handler) Run(ctx context.Context) error {
	return h.registry.Run(ctx)
}

// Shutdown terminates every connection, waiting for applications to finish
// until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.registry.CloseAll(ctx)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	if h.metrics == nil {
		h.mux.ServeHTTP(w, r.WithContext(ctx))
		return
	}
	rec := &statusRecorder{ResponseWriter: w}
	h.mux.ServeHTTP(rec, r.WithContext(ctx))
	h.metrics.ObserveRequest(routeLabel(r), rec.status)
}

func routeLabel(r *http.Request) string {
	if strings.HasSuffix(r.URL.Path, "/negotiate") {
		return "negotiate"
	}
	switch r.Method {
	case http.MethodPost:
		return "send"
	case http.MethodGet:
		return "connect"
	case http.MethodDelete:
		return "delete"
	}
	return "other"
}

// handleNegotiate handles POST {base}/negotiate, which allocates a connection
// and tells the client which transports it may use.
func (h *Handler) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.negotiate.start")

	if _, ok := h.authorize(ctx, w, r); !ok {
		return
	}

	c := h.registry.Create(ctx)
	ctx = logctx.WithConnectionData(ctx, &logctx.ConnectionData{ConnectionID: c.ID()})

	resp := negotiateResponse{ConnectionID: c.ID(), AvailableTransports: h.availableTransports()}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "negotiate.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.negotiate.ok", slog.Int("transports", len(resp.AvailableTransports)))
}

// handleSend handles POST {base}?id=, copying the body into the
// connection's inbound channel.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.send.start")

	if _, ok := h.authorize(ctx, w, r); !ok {
		return
	}

	c, ok := h.lookup(ctx, w, r)
	if !ok {
		return
	}
	ctx = h.withConnection(ctx, c)

	if c.Transport() == connections.TransportWebSockets {
		h.log.InfoContext(ctx, "send.websocket.reject")
		writeTextError(w, http.StatusMethodNotAllowed, msgPostToWebSocket)
		return
	}

	n, err := c.Send(ctx, r.Body)
	if h.metrics != nil {
		h.metrics.ObserveReceived(n)
	}
	if err != nil {
		switch {
		case errors.Is(err, connections.ErrReadBody):
			h.log.WarnContext(ctx, "send.body.fail", slog.String("err", err.Error()))
			writeTextError(w, http.StatusBadRequest, msgReadBodyFailed)
		case errors.Is(err, connections.ErrConnectionDisposed):
			h.log.InfoContext(ctx, "send.connection.gone", slog.Int64("bytes", n))
			writeTextError(w, http.StatusNotFound, msgNoConnection)
		default:
			// The client went away while the copy was blocked.
			h.log.InfoContext(ctx, "send.cancel", slog.String("err", err.Error()))
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	h.log.InfoContext(ctx, "http.send.ok", slog.Int64("bytes", n), slog.Duration("dur", time.Since(start)))
}

// handleConnect handles GET {base}. The transport is picked from the
// request: an event-stream Accept header selects Server-Sent Events, an
// upgrade selects WebSockets, anything else is a long poll.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := h.authorize(ctx, w, r)
	if !ok {
		return
	}

	switch {
	case acceptsEventStream(r):
		h.serveServerSentEvents(ctx, w, r, user)
	case transports.IsWebSocketRequest(r):
		h.serveWebSockets(ctx, w, r, user)
	default:
		h.serveLongPolling(ctx, w, r, user)
	}
}

func (h *Handler) serveServerSentEvents(ctx context.Context, w http.ResponseWriter, r *http.Request, user auth.UserInfo) {
	h.log.InfoContext(ctx, "http.sse.start")
	if !h.transportEnabled(w, connections.TransportServerSentEvents) {
		return
	}
	c, ok := h.lookup(ctx, w, r)
	if !ok {
		return
	}
	if !h.ensureTransport(ctx, w, c, connections.TransportServerSentEvents) {
		return
	}
	ctx = h.withConnection(ctx, c)

	h.servePersistent(ctx, w, r, c, user, func(ctx context.Context, end *pipe.End) error {
		return transports.NewServerSentEvents(end, h.log).ProcessRequest(ctx, w, r)
	})
}

func (h *Handler) serveWebSockets(ctx context.Context, w http.ResponseWriter, r *http.Request, user auth.UserInfo) {
	h.log.InfoContext(ctx, "http.ws.start")
	if !h.transportEnabled(w, connections.TransportWebSockets) {
		return
	}

	var c *connections.Connection
	if id := r.URL.Query().Get("id"); id == "" {
		// WebSocket clients may skip negotiate.
		c = h.registry.Create(ctx)
	} else {
		var ok bool
		if c, ok = h.registry.TryGet(id); !ok {
			h.log.InfoContext(ctx, "connection.lookup.miss", slog.String("conn_id", id))
			writeTextError(w, http.StatusNotFound, msgNoConnection)
			return
		}
	}
	if !h.ensureTransport(ctx, w, c, connections.TransportWebSockets) {
		return
	}
	ctx = h.withConnection(ctx, c)

	h.servePersistent(ctx, w, r, c, user, func(ctx context.Context, end *pipe.End) error {
		return transports.NewWebSockets(h.acceptor, end, c, h.opts.WebSockets.CloseTimeout, h.log).ProcessRequest(ctx, w, r)
	})
}

// servePersistent runs a Server-Sent Events or WebSocket request. The
// request is the whole lifetime of the connection: when either the
// application or the transport finishes, the connection is disposed.
func (h *Handler) servePersistent(ctx context.Context, w http.ResponseWriter, r *http.Request, c *connections.Connection, user auth.UserInfo, run connections.RunFunc) {
	info := h.requestInfo(ctx, user, r)
	appTask, transportTask, err := c.StartStreaming(ctx, info, h.app, run)
	if err != nil {
		switch {
		case errors.Is(err, connections.ErrConnectionActive):
			h.log.InfoContext(ctx, "connection.active.conflict")
			w.WriteHeader(http.StatusConflict)
		default:
			h.log.InfoContext(ctx, "connection.start.fail", slog.String("err", err.Error()))
			writeTextError(w, http.StatusNotFound, msgNoConnection)
		}
		return
	}

	first := connections.FirstDone(appTask, transportTask)
	if first == appTask {
		h.log.InfoContext(ctx, "connection.app.end")
	} else {
		h.log.InfoContext(ctx, "connection.transport.end")
	}

	h.dispose(ctx, c)
	// The transport owns w; it must be done before the handler returns.
	<-transportTask.Done()
	if err := transportTask.Err(); err != nil {
		h.log.WarnContext(ctx, "connection.transport.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) serveLongPolling(ctx context.Context, w http.ResponseWriter, r *http.Request, user auth.UserInfo) {
	h.log.InfoContext(ctx, "http.poll.start")
	if !h.transportEnabled(w, connections.TransportLongPolling) {
		return
	}
	c, ok := h.lookup(ctx, w, r)
	if !ok {
		return
	}
	if !h.ensureTransport(ctx, w, c, connections.TransportLongPolling) {
		return
	}
	ctx = h.withConnection(ctx, c)

	var lp *transports.LongPolling
	info := h.requestInfo(ctx, user, r)
	appTask, transportTask, err := c.StartPoll(ctx, info, h.app, h.opts.LongPolling.PollTimeout, func(ctx context.Context, end *pipe.End) error {
		lp = transports.NewLongPolling(end, h.log)
		return lp.ProcessRequest(ctx, w, r)
	})
	if err != nil {
		h.log.InfoContext(ctx, "connection.start.fail", slog.String("err", err.Error()))
		writeTextError(w, http.StatusNotFound, msgNoConnection)
		return
	}

	first := connections.FirstDone(appTask, transportTask)
	if first == appTask {
		// The application's output is already completed with its result;
		// the poll observes it once buffered data is drained.
		h.log.InfoContext(ctx, "connection.app.end", slog.Bool("failed", appTask.Err() != nil))
		<-transportTask.Done()
	}
	if err := transportTask.Err(); err != nil {
		h.log.WarnContext(ctx, "poll.transport.fail", slog.String("err", err.Error()))
	}

	if h.metrics != nil {
		h.metrics.ObservePoll(string(lp.Outcome()))
	}

	switch lp.Status() {
	case http.StatusNoContent, http.StatusInternalServerError:
		// The application is done; no further polls are expected.
		h.dispose(ctx, c)
	default:
		c.EndPoll(ctx, transportTask)
	}
	h.log.InfoContext(ctx, "http.poll.ok", slog.Int("status", lp.Status()), slog.String("outcome", string(lp.Outcome())))
}

// handleDelete handles DELETE {base}?id=, which gracefully terminates a
// long-polling connection.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if _, ok := h.authorize(ctx, w, r); !ok {
		return
	}
	c, ok := h.lookup(ctx, w, r)
	if !ok {
		return
	}
	ctx = h.withConnection(ctx, c)

	if c.Transport() != connections.TransportLongPolling {
		h.log.InfoContext(ctx, "delete.transport.reject")
		writeTextError(w, http.StatusBadRequest, msgCannotTerminate)
		return
	}

	h.dispose(ctx, c)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "http.delete.ok")
}

func (h *Handler) dispose(ctx context.Context, c *connections.Connection) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.disposeTimeout)
	defer cancel()
	_ = h.registry.DisposeAndRemove(dctx, c, true)
}

// lookup resolves the id query parameter, writing 400 or 404 when it cannot.
func (h *Handler) lookup(ctx context.Context, w http.ResponseWriter, r *http.Request) (*connections.Connection, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		h.log.InfoContext(ctx, "connection.id.missing")
		writeTextError(w, http.StatusBadRequest, msgConnectionIDRequired)
		return nil, false
	}
	c, ok := h.registry.TryGet(id)
	if !ok {
		h.log.InfoContext(ctx, "connection.lookup.miss", slog.String("conn_id", id))
		writeTextError(w, http.StatusNotFound, msgNoConnection)
		return nil, false
	}
	return c, true
}

func (h *Handler) transportEnabled(w http.ResponseWriter, t connections.TransportType) bool {
	enabled := h.opts.Transports.Has(t)
	if t == connections.TransportWebSockets && h.acceptor == nil {
		enabled = false
	}
	if !enabled {
		writeTextError(w, http.StatusNotFound, fmt.Sprintf("%s transport not supported by this end point type", t))
	}
	return enabled
}

func (h *Handler) ensureTransport(ctx context.Context, w http.ResponseWriter, c *connections.Connection, t connections.TransportType) bool {
	err := c.EnsureTransport(ctx, t)
	switch {
	case err == nil:
		return true
	case errors.Is(err, connections.ErrTransportMismatch):
		h.log.InfoContext(ctx, "connection.transport.mismatch", slog.String("err", err.Error()))
		writeTextError(w, http.StatusBadRequest, msgTransportMismatch)
	default:
		h.log.InfoContext(ctx, "connection.transport.fail", slog.String("err", err.Error()))
		writeTextError(w, http.StatusNotFound, msgNoConnection)
	}
	return false
}

func (h *Handler) withConnection(ctx context.Context, c *connections.Connection) context.Context {
	return logctx.WithConnectionData(ctx, &logctx.ConnectionData{
		ConnectionID: c.ID(),
		Transport:    c.Transport().String(),
		UserID:       c.RequestInfo().UserID(),
	})
}

func (h *Handler) requestInfo(ctx context.Context, user auth.UserInfo, r *http.Request) connections.RequestInfo {
	var traceID string
	if rd, ok := logctx.RequestDataFrom(ctx); ok {
		traceID = rd.RequestID
	}
	return connections.NewRequestInfo(traceID, user, r)
}

// acceptsEventStream reports whether the Accept header names
// text/event-stream explicitly. Wildcards do not count.
func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, err := contenttype.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mt.Type == eventStreamMediaType.Type && mt.Subtype == eventStreamMediaType.Subtype {
				return true
			}
		}
	}
	return false
}

// statusRecorder captures the status code for metrics while still exposing
// the flushing and hijacking the transports need.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil && s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
