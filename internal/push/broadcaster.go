// Package push owns the registry of open push connections and their
// heartbeat timers.
package push

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/pipectl/internal/domain"
)

// Heartbeat is the lightweight keepalive payload pushed while a
// connection is idle.
type Heartbeat struct {
	TS string `json:"ts"`
}

// Broadcaster manages many concurrent long-lived push connections.
// Each registered connection owns an independent heartbeat timer which is
// stopped exactly once on removal. Delivery is fan-out-isolated: a write
// failure on one connection removes only that connection.
type Broadcaster struct {
	mu     sync.Mutex
	conns  map[string]*member
	logger *zap.Logger
}

type member struct {
	conn domain.PushConnection
	stop chan struct{}
}

// NewBroadcaster creates an empty connection registry.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		conns:  make(map[string]*member),
		logger: logger,
	}
}

// Register adds conn to the registry and starts its heartbeat, which
// pushes an event named heartbeatEvent every interval while the connection
// stays open. Returns the generated connection id.
func (b *Broadcaster) Register(conn domain.PushConnection, heartbeatEvent string, interval time.Duration) string {
	id := uuid.NewString()
	m := &member{conn: conn, stop: make(chan struct{})}

	b.mu.Lock()
	b.conns[id] = m
	b.mu.Unlock()

	b.logger.Debug("push connection registered",
		zap.String("conn_id", id),
		zap.Duration("heartbeat", interval))

	go b.heartbeatLoop(id, m, heartbeatEvent, interval)
	return id
}

func (b *Broadcaster) heartbeatLoop(id string, m *member, event string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if m.conn.IsClosed() {
				b.Remove(id)
				return
			}
			hb := Heartbeat{TS: time.Now().UTC().Format(time.RFC3339)}
			if err := m.conn.PushEvent(event, hb); err != nil {
				b.logger.Debug("heartbeat push failed, removing connection",
					zap.String("conn_id", id), zap.Error(err))
				b.Remove(id)
				return
			}
		}
	}
}

// Remove takes the connection out of the registry, stops its heartbeat and
// closes it. Idempotent: the transport close path and an internal failure
// path may both call it for the same id.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	m, ok := b.conns[id]
	if ok {
		delete(b.conns, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	// Only the goroutine that won the map delete reaches here, so the
	// channel close and connection close happen exactly once.
	close(m.stop)
	_ = m.conn.Close()
	b.logger.Debug("push connection removed", zap.String("conn_id", id))
}

// Broadcast pushes a named event to every registered connection. Failing
// connections are removed; delivery to the rest is unaffected.
func (b *Broadcaster) Broadcast(event string, v any) {
	b.mu.Lock()
	targets := make(map[string]*member, len(b.conns))
	for id, m := range b.conns {
		targets[id] = m
	}
	b.mu.Unlock()

	for id, m := range targets {
		if m.conn.IsClosed() {
			b.Remove(id)
			continue
		}
		if err := m.conn.PushEvent(event, v); err != nil {
			b.logger.Debug("broadcast push failed, removing connection",
				zap.String("conn_id", id), zap.Error(err))
			b.Remove(id)
		}
	}
}

// Len returns how many connections are currently registered.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// CloseAll removes and closes every registered connection. Used on daemon
// shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Remove(id)
	}
}
