package connections

import (
	"errors"
	"strings"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionDisposed = errors.New("connection disposed")
	// ErrConnectionActive is returned when a persistent transport request
	// arrives while another request is serving the connection.
	ErrConnectionActive  = errors.New("connection already has an active request")
	ErrTransportMismatch = errors.New("cannot change transports mid-connection")
	ErrPollSuperseded    = errors.New("poll superseded by a newer request")
	ErrPollTimeout       = errors.New("poll timed out")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrConnectionAborted = errors.New("connection aborted")
	ErrReadBody          = errors.New("failed to read request body")
)

// TransportType identifies a wire transport. Values combine as a bitmask
// when describing the set of enabled transports.
type TransportType uint8

const (
	TransportNone             TransportType = 0
	TransportWebSockets       TransportType = 1 << 0
	TransportServerSentEvents TransportType = 1 << 1
	TransportLongPolling      TransportType = 1 << 2

	AllTransports = TransportWebSockets | TransportServerSentEvents | TransportLongPolling
)

var transportNames = []struct {
	t    TransportType
	name string
}{
	{TransportWebSockets, "WebSockets"},
	{TransportServerSentEvents, "ServerSentEvents"},
	{TransportLongPolling, "LongPolling"},
}

// Has reports whether every transport in o is also set in t.
func (t TransportType) Has(o TransportType) bool { return o != 0 && t&o == o }

func (t TransportType) String() string {
	if t == TransportNone {
		return "None"
	}
	var parts []string
	for _, tn := range transportNames {
		if t&tn.t != 0 {
			parts = append(parts, tn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseTransports parses a comma or pipe separated list of transport names.
func ParseTransports(s string) (TransportType, error) {
	var out TransportType
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' || r == ' ' }) {
		found := false
		for _, tn := range transportNames {
			if strings.EqualFold(f, tn.name) {
				out |= tn.t
				found = true
				break
			}
		}
		if !found {
			return TransportNone, errors.New("unknown transport: " + f)
		}
	}
	return out, nil
}

// TransferFormat describes how payload bytes may be framed on the wire.
type TransferFormat uint8

const (
	TransferFormatText   TransferFormat = 1 << 0
	TransferFormatBinary TransferFormat = 1 << 1
)

// Names returns the individual format names set in f, in a stable order.
func (f TransferFormat) Names() []string {
	var out []string
	if f&TransferFormatText != 0 {
		out = append(out, "Text")
	}
	if f&TransferFormatBinary != 0 {
		out = append(out, "Binary")
	}
	return out
}

func (f TransferFormat) String() string { return strings.Join(f.Names(), "|") }

// SupportedFormats returns the transfer formats a transport can carry.
// Server-Sent Events is a text protocol.
func SupportedFormats(t TransportType) TransferFormat {
	if t == TransportServerSentEvents {
		return TransferFormatText
	}
	return TransferFormatText | TransferFormatBinary
}

// Status is the lifecycle state of a Connection.
type Status uint8

const (
	StatusInactive Status = iota
	StatusActive
	StatusDisposed
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusActive:
		return "active"
	case StatusDisposed:
		return "disposed"
	}
	return "unknown"
}
