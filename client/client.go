// Package client talks to an httpconnections endpoint from Go. It covers the
// negotiate step, the long-polling send, poll and delete requests, and the
// WebSocket upgrade.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// AvailableTransport is one entry of a negotiate response.
type AvailableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// NegotiateResponse is the body returned by POST {base}/negotiate.
type NegotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	AvailableTransports []AvailableTransport `json:"availableTransports"`
}

// Supports reports whether the server offered the named transport.
func (n *NegotiateResponse) Supports(transport string) bool {
	for _, t := range n.AvailableTransports {
		if t.Transport == transport {
			return true
		}
	}
	return false
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client represents a client of a single endpoint.
type Client struct {
	// The absolute URL of the endpoint, e.g. http://localhost:8080/chat.
	BaseURL string

	// The HTTPClient used for negotiate and long-polling requests.
	HTTPClient *http.Client

	// The Dialer used for WebSocket connections.
	Dialer *websocket.Dialer

	// Header values that should be applied to all requests.
	Headers http.Header
}

// New creates a client for the endpoint at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: http.DefaultClient,
		Dialer:     websocket.DefaultDialer,
		Headers:    make(http.Header),
	}
}

// Negotiate allocates a connection on the server.
func (c *Client) Negotiate(ctx context.Context) (*NegotiateResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, c.BaseURL+"/negotiate", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out NegotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "failed to decode negotiate response")
	}
	if out.ConnectionID == "" {
		return nil, errors.New("negotiate response is missing a connection id")
	}
	return &out, nil
}

// Send posts data to the application of connection id. It blocks while the
// server applies backpressure.
func (c *Client) Send(ctx context.Context, id string, data []byte) error {
	u, err := c.makeURL(id)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Poll performs one long poll. It returns whatever the application has
// written so far, which may be empty when the poll timed out. done is true
// once the server reports the connection has ended.
func (c *Client) Poll(ctx context.Context, id string) (data []byte, done bool, err error) {
	u, err := c.makeURL(id)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to read poll response")
		}
		return data, false, nil
	case http.StatusNoContent:
		return nil, true, nil
	default:
		return nil, false, statusError(resp)
	}
}

// Delete gracefully ends a long-polling connection.
func (c *Client) Delete(ctx context.Context, id string) error {
	u, err := c.makeURL(id)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	return nil
}

// DialWebSocket upgrades to a WebSocket for connection id. An empty id asks
// the server to create the connection during the upgrade.
func (c *Client) DialWebSocket(ctx context.Context, id string) (*websocket.Conn, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if id != "" {
		q := u.Query()
		q.Set("id", id)
		u.RawQuery = q.Encode()
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), c.Headers.Clone())
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, errors.Wrap(statusError(resp), "websocket handshake failed")
		}
		return nil, errors.Wrap(err, "websocket dial failed")
	}
	return conn, nil
}

func (c *Client) makeURL(id string) (string, error) {
	if id == "" {
		return "", errors.New("connection id is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, "invalid base url")
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "request preparation failed")
	}
	for k, vs := range c.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request failed", method)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
