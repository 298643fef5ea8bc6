package httpconnections

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/httpconnections-go/auth"
	"github.com/ggoodman/httpconnections-go/connections"
	"github.com/ggoodman/httpconnections-go/metrics"
	"github.com/ggoodman/httpconnections-go/pipe"
	"github.com/ggoodman/httpconnections-go/transports"
)

const (
	// DefaultPollTimeout is how long a long poll waits for data before the
	// client is told to poll again.
	DefaultPollTimeout = 90 * time.Second
	// DefaultMaxBufferSize is the high watermark of each channel direction.
	DefaultMaxBufferSize = 64 * 1024

	defaultDisposeTimeout = 5 * time.Second
)

// Options is the configuration surface of an endpoint.
type Options struct {
	// Transports is the set of transports clients may use.
	Transports connections.TransportType

	// TransportMaxBufferSize bounds bytes received from clients that the
	// application has not read yet. Zero disables backpressure.
	TransportMaxBufferSize int64
	// ApplicationMaxBufferSize bounds bytes written by the application that
	// no transport has delivered yet. Zero disables backpressure.
	ApplicationMaxBufferSize int64

	LongPolling LongPollingOptions
	WebSockets  transports.WebSocketOptions

	// Policies must all pass before any endpoint does work.
	Policies []auth.Policy

	// DisconnectTimeout is how long an idle long-polling connection is kept
	// between polls.
	DisconnectTimeout time.Duration
}

type LongPollingOptions struct {
	PollTimeout time.Duration
}

// DefaultOptions enables every transport.
func DefaultOptions() Options {
	return Options{
		Transports:               connections.AllTransports,
		TransportMaxBufferSize:   DefaultMaxBufferSize,
		ApplicationMaxBufferSize: DefaultMaxBufferSize,
		LongPolling:              LongPollingOptions{PollTimeout: DefaultPollTimeout},
		WebSockets:               transports.WebSocketOptions{CloseTimeout: transports.DefaultCloseTimeout},
		DisconnectTimeout:        connections.DefaultDisconnectTimeout,
	}
}

type envOptions struct {
	Transports               string        `env:"HTTPCONNECTIONS_TRANSPORTS,default=WebSockets|ServerSentEvents|LongPolling"`
	TransportMaxBufferSize   int64         `env:"HTTPCONNECTIONS_TRANSPORT_MAX_BUFFER_SIZE,default=65536"`
	ApplicationMaxBufferSize int64         `env:"HTTPCONNECTIONS_APPLICATION_MAX_BUFFER_SIZE,default=65536"`
	PollTimeout              time.Duration `env:"HTTPCONNECTIONS_POLL_TIMEOUT,default=90s"`
	CloseTimeout             time.Duration `env:"HTTPCONNECTIONS_WEBSOCKET_CLOSE_TIMEOUT,default=5s"`
	SubProtocol              string        `env:"HTTPCONNECTIONS_WEBSOCKET_SUBPROTOCOL"`
	DisconnectTimeout        time.Duration `env:"HTTPCONNECTIONS_DISCONNECT_TIMEOUT,default=15s"`
}

// OptionsFromEnv decodes Options from HTTPCONNECTIONS_* environment
// variables. Unset variables keep their defaults. Policies cannot be
// expressed in the environment and are left empty.
func OptionsFromEnv() (Options, error) {
	var env envOptions
	if err := envdecode.Decode(&env); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Options{}, fmt.Errorf("failed to decode options: %w", err)
	}

	opts := DefaultOptions()
	if s := strings.TrimSpace(env.Transports); s != "" {
		t, err := connections.ParseTransports(s)
		if err != nil {
			return Options{}, fmt.Errorf("invalid HTTPCONNECTIONS_TRANSPORTS: %w", err)
		}
		opts.Transports = t
	}
	opts.TransportMaxBufferSize = env.TransportMaxBufferSize
	opts.ApplicationMaxBufferSize = env.ApplicationMaxBufferSize
	if env.PollTimeout > 0 {
		opts.LongPolling.PollTimeout = env.PollTimeout
	}
	if env.CloseTimeout > 0 {
		opts.WebSockets.CloseTimeout = env.CloseTimeout
	}
	opts.WebSockets.SubProtocol = env.SubProtocol
	if env.DisconnectTimeout > 0 {
		opts.DisconnectTimeout = env.DisconnectTimeout
	}
	return opts, nil
}

func bufferOptions(size int64) pipe.Options {
	if size <= 0 {
		return pipe.Options{}
	}
	return pipe.Options{HighWater: size, LowWater: size / 2}
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	opts          Options
	logger        *slog.Logger
	authenticator auth.Authenticator
	realm         string
	acceptor      transports.WebSocketAcceptor
	acceptorSet   bool
	metrics       *metrics.Metrics
	observers     []connections.Observer
}

// WithOptions replaces the whole configuration surface.
func WithOptions(o Options) Option {
	return func(c *newConfig) { c.opts = o }
}

// WithLogger sets the slog logger used by the handler. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator requires a bearer token on every request. Without one,
// requests are anonymous and only Policies gate access.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithTransports restricts the transports clients may use.
func WithTransports(t connections.TransportType) Option {
	return func(c *newConfig) { c.opts.Transports = t }
}

// WithPolicies appends authorization policies.
func WithPolicies(p ...auth.Policy) Option {
	return func(c *newConfig) { c.opts.Policies = append(c.opts.Policies, p...) }
}

// WithPollTimeout sets the long-polling timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.opts.LongPolling.PollTimeout = d }
}

// WithBufferSizes sets both channel high watermarks.
func WithBufferSizes(transport, application int64) Option {
	return func(c *newConfig) {
		c.opts.TransportMaxBufferSize = transport
		c.opts.ApplicationMaxBufferSize = application
	}
}

// WithWebSocketOptions configures the default WebSocket acceptor and the
// close handshake timeout.
func WithWebSocketOptions(o transports.WebSocketOptions) Option {
	return func(c *newConfig) { c.opts.WebSockets = o }
}

// WithWebSocketAcceptor replaces the WebSocket upgrader. A nil acceptor
// tells the handler the host cannot accept WebSockets; they are then
// neither advertised nor served.
func WithWebSocketAcceptor(a transports.WebSocketAcceptor) Option {
	return func(c *newConfig) { c.acceptor, c.acceptorSet = a, true }
}

// WithDisconnectTimeout sets how long idle connections are kept.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.opts.DisconnectTimeout = d }
}

// WithMetrics records connection and request metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithObserver registers an additional connection lifecycle observer, such
// as a store.Mirror.
func WithObserver(o connections.Observer) Option {
	return func(c *newConfig) { c.observers = append(c.observers, o) }
}
