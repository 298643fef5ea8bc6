package connections

import "context"

// Observer is notified of connection lifecycle edges. Calls are made outside
// of any connection lock and must not block for long.
type Observer interface {
	// ConnectionCreated fires when the registry allocates a connection.
	ConnectionCreated(ctx context.Context, c *Connection)
	// TransportSelected fires once, when the first request fixes the
	// connection's transport.
	TransportSelected(ctx context.Context, c *Connection)
	// ConnectionSeen fires when a long poll completes and the connection
	// returns to the inactive state.
	ConnectionSeen(ctx context.Context, c *Connection)
	// ConnectionRemoved fires after the connection is disposed and removed.
	ConnectionRemoved(ctx context.Context, c *Connection)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) ConnectionCreated(context.Context, *Connection) {}
func (NopObserver) TransportSelected(context.Context, *Connection) {}
func (NopObserver) ConnectionSeen(context.Context, *Connection)    {}
func (NopObserver) ConnectionRemoved(context.Context, *Connection) {}

// Observers fans every notification out to each member in order.
type Observers []Observer

func (o Observers) ConnectionCreated(ctx context.Context, c *Connection) {
	for _, ob := range o {
		ob.ConnectionCreated(ctx, c)
	}
}

func (o Observers) TransportSelected(ctx context.Context, c *Connection) {
	for _, ob := range o {
		ob.TransportSelected(ctx, c)
	}
}

func (o Observers) ConnectionSeen(ctx context.Context, c *Connection) {
	for _, ob := range o {
		ob.ConnectionSeen(ctx, c)
	}
}

func (o Observers) ConnectionRemoved(ctx context.Context, c *Connection) {
	for _, ob := range o {
		ob.ConnectionRemoved(ctx, c)
	}
}

var (
	_ Observer = NopObserver{}
	_ Observer = Observers(nil)
)
