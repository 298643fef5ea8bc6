package connections

import (
	"net/http"
	"net/url"
	"time"

	"github.com/ggoodman/httpconnections-go/auth"
)

// RequestInfo is an immutable snapshot of the identity of the HTTP request
// currently serving a connection. It never references the request body, so
// it is safe to retain after the request has ended.
type RequestInfo struct {
	TraceID    string
	User       auth.UserInfo
	Method     string
	Path       string
	RemoteAddr string
	Query      url.Values
	Header     http.Header
	ReceivedAt time.Time
}

// NewRequestInfo snapshots r. Header and query values are deep copied.
func NewRequestInfo(traceID string, user auth.UserInfo, r *http.Request) RequestInfo {
	return RequestInfo{
		TraceID:    traceID,
		User:       user,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		Query:      cloneValues(r.URL.Query()),
		Header:     r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
}

// UserID returns the authenticated user's id, or "" for anonymous requests.
func (ri RequestInfo) UserID() string {
	if ri.User == nil {
		return ""
	}
	return ri.User.UserID()
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
