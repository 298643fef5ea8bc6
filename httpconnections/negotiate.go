package httpconnections

import (
	"github.com/ggoodman/httpconnections-go/connections"
)

type negotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	AvailableTransports []availableTransport `json:"availableTransports"`
}

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// availableTransports lists the enabled transports in preference order.
// WebSockets is only offered when the host can accept them.
func (h *Handler) availableTransports() []availableTransport {
	order := []connections.TransportType{
		connections.TransportWebSockets,
		connections.TransportServerSentEvents,
		connections.TransportLongPolling,
	}
	out := make([]availableTransport, 0, len(order))
	for _, t := range order {
		if !h.opts.Transports.Has(t) {
			continue
		}
		if t == connections.TransportWebSockets && h.acceptor == nil {
			continue
		}
		out = append(out, availableTransport{
			Transport:       t.String(),
			TransferFormats: connections.SupportedFormats(t).Names(),
		})
	}
	return out
}
