// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// ContainerState is the projected run state of a watched container.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateUnknown ContainerState = "unknown"
)

// TunnelState is the projected usability of a tunnel container (vpn, tor).
type TunnelState string

const (
	TunnelUp      TunnelState = "up"
	TunnelDown    TunnelState = "down"
	TunnelUnknown TunnelState = "unknown"
)

// ContainerHealth mirrors the engine's healthcheck verdict for a running
// container. HealthNone means the container has no healthcheck configured.
type ContainerHealth string

const (
	HealthHealthy   ContainerHealth = "healthy"
	HealthUnhealthy ContainerHealth = "unhealthy"
	HealthStarting  ContainerHealth = "starting"
	HealthNone      ContainerHealth = "none"
)

// ContainerInfo is the result of one engine inspection.
// Zero StartedAt/FinishedAt mean the engine has never recorded that event.
// Env carries the container environment as KEY=VALUE strings; it is part of
// the inspection result so callers never reach into engine internals.
type ContainerInfo struct {
	Running    bool
	Health     ContainerHealth
	StartedAt  time.Time
	FinishedAt time.Time
	Env        []string
}

// ContainerEvent is one engine lifecycle event for a watched container.
type ContainerEvent struct {
	Name   string
	Action string // e.g. "start", "die", "health_status: healthy"
}

// StatusSnapshot is one complete projected view of the stack.
// It is a pure derived value: recomputed from scratch on every evaluation,
// never partially mutated. Optional fields are nil when absent.
type StatusSnapshot struct {
	Pipeline  ContainerState `json:"pipeline"`
	VPN       TunnelState    `json:"vpn"`
	Tor       TunnelState    `json:"tor"`
	LastRunAt *time.Time     `json:"lastRunAt,omitempty"`
	CleanJobs *int           `json:"cleanJobs,omitempty"`
	Version   string         `json:"version"`
}

// Equal reports full structural equality, comparing optional fields by
// value rather than by pointer. Streaming pushes are suppressed when two
// consecutive snapshots are Equal.
func (s StatusSnapshot) Equal(o StatusSnapshot) bool {
	if s.Pipeline != o.Pipeline || s.VPN != o.VPN || s.Tor != o.Tor || s.Version != o.Version {
		return false
	}
	if (s.LastRunAt == nil) != (o.LastRunAt == nil) {
		return false
	}
	if s.LastRunAt != nil && !s.LastRunAt.Equal(*o.LastRunAt) {
		return false
	}
	if (s.CleanJobs == nil) != (o.CleanJobs == nil) {
		return false
	}
	if s.CleanJobs != nil && *s.CleanJobs != *o.CleanJobs {
		return false
	}
	return true
}

// LogStream identifies which output channel a log record came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogRecord is one demultiplexed log line. Timestamp is RFC3339; when the
// line carried no embedded timestamp it is the wall clock at processing
// time, not a frame property.
type LogRecord struct {
	Timestamp string    `json:"ts"`
	Text      string    `json:"text"`
	Stream    LogStream `json:"stream"`
}

// Link is a transient view of one stored URL. ID is a content hash of URL,
// recomputed on every read and never persisted, so identity survives
// process restarts without a side table. AddedAt is shared by all links of
// one read: it is the store artifact's modification time, an accepted
// imprecision rather than a true per-link timestamp.
type Link struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	AddedAt time.Time `json:"addedAt"`
}

// SystemInfo is a point-in-time host resource sample shown in the UI.
type SystemInfo struct {
	CPUPercent     float64 `json:"cpuPercent"`
	MemTotal       uint64  `json:"memTotal"`
	MemUsed        uint64  `json:"memUsed"`
	MemUsedPercent float64 `json:"memUsedPercent"`
	UptimeSec      uint64  `json:"uptimeSec"`
	Load1          float64 `json:"load1"`
}
