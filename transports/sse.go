package transports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/httpconnections-go/pipe"
)

// ErrFlusherMissing is returned when the response writer cannot stream.
var ErrFlusherMissing = errors.New("response writer does not support flushing")

// ServerSentEvents streams everything the application writes as "data:"
// events until the application ends or the client disconnects.
type ServerSentEvents struct {
	end *pipe.End
	log *slog.Logger
}

func NewServerSentEvents(end *pipe.End, log *slog.Logger) *ServerSentEvents {
	return &ServerSentEvents{end: end, log: discardLogger(log)}
}

func (s *ServerSentEvents) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return ErrFlusherMissing
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	s.log.InfoContext(ctx, "sse.stream.start")

	for {
		data, err := s.end.ReadAvailable(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.InfoContext(ctx, "sse.stream.end")
			case ctx.Err() != nil:
				s.log.InfoContext(ctx, "sse.stream.cancel")
			default:
				// Headers are committed; the client observes the failure as a closed stream.
				s.log.ErrorContext(ctx, "sse.app.fail", slog.String("err", err.Error()))
			}
			return nil
		}
		if err := writeSSEData(wf, data); err != nil {
			return err
		}
	}
}

// writeSSEData frames payload as a single event, one "data:" field per line.
func writeSSEData(wf *lockedWriteFlusher, payload []byte) error {
	lines := bytes.Split(payload, []byte("\n"))
	if len(lines) > 1 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}

var _ Transport = (*ServerSentEvents)(nil)
