// Package server exposes the control plane over HTTP: JSON endpoints,
// SSE push streams and the middleware around them.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/eliteGoblin/pipectl/internal/domain"
)

// sseRetryMillis is sent as the first frame of every stream so the
// browser's EventSource auto-reconnects after a drop.
const sseRetryMillis = 3000

// sseConn implements domain.PushConnection over an SSE response. The
// write mutex serializes the handler's feed path against the heartbeat
// goroutine; after Close no further bytes reach the ResponseWriter, which
// makes it safe for the handler to return.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// newSSEConn prepares w for server-sent events and emits the retry
// directive. Fails when the transport cannot stream.
func newSSEConn(w http.ResponseWriter) (*sseConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, domain.NewError(domain.CodeInternal, "streaming unsupported")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := &sseConn{w: w, flusher: flusher}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis); err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "opening stream")
	}
	flusher.Flush()
	return c, nil
}

// PushData sends a plain data frame.
func (c *sseConn) PushData(v any) error {
	return c.push("", v)
}

// PushEvent sends a named event frame.
func (c *sseConn) PushEvent(name string, v any) error {
	return c.push(name, v)
}

func (c *sseConn) push(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return domain.WrapError(domain.CodeInternal, err, "encoding push payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.NewError(domain.CodeInternal, "push connection closed")
	}
	if event != "" {
		if _, err := fmt.Fprintf(c.w, "event: %s\n", event); err != nil {
			return domain.WrapError(domain.CodeInternal, err, "writing stream frame")
		}
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return domain.WrapError(domain.CodeInternal, err, "writing stream frame")
	}
	c.flusher.Flush()
	return nil
}

// Close marks the connection dead. Safe to call repeatedly and
// concurrently with a push in flight: it waits for the in-flight write,
// after which no goroutine touches the ResponseWriter again.
func (c *sseConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsClosed reports whether Close has been called.
func (c *sseConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ domain.PushConnection = (*sseConn)(nil)
