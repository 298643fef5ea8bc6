// Package httpconnections serves bidirectional byte-stream connections over
// plain HTTP. It mounts as a standard net/http handler and lets each client
// pick the best transport it can: WebSockets, Server-Sent Events or long
// polling.
//
// # Endpoints
//
// For a handler created with base "/chat":
//
//	POST   /chat/negotiate   allocate a connection, list available transports
//	POST   /chat?id=<id>     send bytes to the application (SSE, long polling)
//	GET    /chat?id=<id>     connect: SSE, WebSocket upgrade, or one long poll
//	DELETE /chat?id=<id>     gracefully end a long-polling connection
//
// A WebSocket upgrade without an id creates a connection on the spot.
//
// # Construction
//
//	h, err := httpconnections.New("/chat", app,
//	    httpconnections.WithLogger(logger),
//	    httpconnections.WithTransports(connections.TransportWebSockets|connections.TransportLongPolling),
//	)
//	go h.Run(ctx) // reap idle long-polling connections
//	mux.Handle("/chat", h)
//	mux.Handle("/chat/", h)
//
// The application is started once per connection, on the first request that
// serves it, and reads and writes the connection through a pipe.End. It
// keeps running across long polls; a poll only moves whatever output is
// buffered at the time.
//
// # Status Codes
//
// Long polls answer 200 with data, 200 empty when the client should poll
// again, 204 when the application has finished and 500 when it failed.
// Protocol errors are 4xx with a plain-text body. A second concurrent
// Server-Sent Events or WebSocket request for the same connection gets 409.
//
// # Authorization
//
// With WithAuthenticator every request must carry a bearer token; failures
// surface a WWW-Authenticate challenge. Policies run after authentication and
// all must pass: 401 for anonymous callers, 403 otherwise.
package httpconnections
