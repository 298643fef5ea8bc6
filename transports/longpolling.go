package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ggoodman/httpconnections-go/connections"
	"github.com/ggoodman/httpconnections-go/pipe"
)

// PollOutcome classifies how a single poll ended.
type PollOutcome string

const (
	PollData       PollOutcome = "data"
	PollEnded      PollOutcome = "ended"
	PollTimeout    PollOutcome = "timeout"
	PollSuperseded PollOutcome = "superseded"
	PollClosed     PollOutcome = "closed"
	PollAborted    PollOutcome = "aborted"
	PollFailed     PollOutcome = "failed"
)

// LongPolling answers one poll with whatever the application has written
// since the previous one.
//
//   - buffered data: 200 with the bytes as an octet-stream body
//   - application finished: 204, the client stops polling
//   - poll timed out, superseded or connection closed: 200 with an empty body
//   - application failed: 500
//   - client went away: nothing is written
type LongPolling struct {
	end *pipe.End
	log *slog.Logger

	status  int
	outcome PollOutcome
}

func NewLongPolling(end *pipe.End, log *slog.Logger) *LongPolling {
	return &LongPolling{end: end, log: discardLogger(log)}
}

// Status is the HTTP status written by the last ProcessRequest, or zero if
// the client disconnected before anything was written.
func (l *LongPolling) Status() int { return l.status }

// Outcome describes how the last ProcessRequest ended.
func (l *LongPolling) Outcome() PollOutcome { return l.outcome }

func (l *LongPolling) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	data, err := l.end.ReadAvailable(ctx)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			l.log.DebugContext(ctx, "poll.app.end")
			l.outcome = PollEnded
			l.writeEmpty(w, http.StatusNoContent)
		case ctx.Err() != nil:
			if r.Context().Err() != nil {
				l.log.DebugContext(ctx, "poll.client.gone")
				l.outcome = PollAborted
				return nil
			}
			cause := context.Cause(ctx)
			switch {
			case errors.Is(cause, connections.ErrPollTimeout):
				l.outcome = PollTimeout
			case errors.Is(cause, connections.ErrPollSuperseded):
				l.outcome = PollSuperseded
			default:
				l.outcome = PollClosed
			}
			l.log.DebugContext(ctx, "poll.cancel", slog.String("outcome", string(l.outcome)), slog.String("cause", cause.Error()))
			l.writeEmpty(w, http.StatusOK)
		default:
			l.log.ErrorContext(ctx, "poll.app.fail", slog.String("err", err.Error()))
			l.outcome = PollFailed
			l.writeEmpty(w, http.StatusInternalServerError)
		}
		return nil
	}

	l.outcome = PollData
	l.status = http.StatusOK
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write poll response: %w", err)
	}
	return nil
}

func (l *LongPolling) writeEmpty(w http.ResponseWriter, status int) {
	l.status = status
	if status != http.StatusNoContent {
		w.Header().Set("Content-Type", "text/plain")
	}
	w.WriteHeader(status)
}

var _ Transport = (*LongPolling)(nil)
