// Package usecase contains application business logic.
package usecase

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/pipectl/internal/domain"
)

// cleanJobsEnvKey is the pipeline container env variable carrying the
// optional pending-cleanup counter shown in the UI.
const cleanJobsEnvKey = "CLEAN_JOBS"

// DefaultPollInterval is the fallback recompute tick for status streams,
// covering changes the event subscription misses.
const DefaultPollInterval = 5 * time.Second

// WatchedContainers names the three containers a snapshot is projected
// from.
type WatchedContainers struct {
	Pipeline string
	VPN      string
	Tor      string
}

// StatusProjector turns three independent container observations into a
// single deduplicated status snapshot.
type StatusProjector struct {
	engine       domain.ContainerEngine
	containers   WatchedContainers
	version      string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewStatusProjector creates a projector over the given engine.
func NewStatusProjector(
	engine domain.ContainerEngine,
	containers WatchedContainers,
	version string,
	pollInterval time.Duration,
	logger *zap.Logger,
) *StatusProjector {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &StatusProjector{
		engine:       engine,
		containers:   containers,
		version:      version,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Project evaluates a fresh snapshot from three live inspections. A failed
// inspection degrades that container's projection to unknown; Project
// itself never fails.
func (p *StatusProjector) Project(ctx context.Context) domain.StatusSnapshot {
	snap := domain.StatusSnapshot{
		Pipeline: domain.StateUnknown,
		VPN:      domain.TunnelUnknown,
		Tor:      domain.TunnelUnknown,
		Version:  p.version,
	}

	if info, err := p.engine.Inspect(ctx, p.containers.Pipeline); err != nil {
		p.logger.Debug("pipeline inspect failed", zap.Error(err))
	} else {
		snap.Pipeline, snap.LastRunAt, snap.CleanJobs = projectPipeline(info)
	}

	if info, err := p.engine.Inspect(ctx, p.containers.VPN); err != nil {
		p.logger.Debug("vpn inspect failed", zap.Error(err))
	} else {
		snap.VPN = projectVPN(info)
	}

	if info, err := p.engine.Inspect(ctx, p.containers.Tor); err != nil {
		p.logger.Debug("tor inspect failed", zap.Error(err))
	} else {
		snap.Tor = projectTor(info)
	}

	return snap
}

// projectPipeline maps a pipeline inspection to run state, last-run time
// and the optional cleanup counter.
func projectPipeline(info *domain.ContainerInfo) (domain.ContainerState, *time.Time, *int) {
	state := domain.StateStopped
	if info.Running {
		state = domain.StateRunning
	}

	var lastRun *time.Time
	if info.Running && !info.StartedAt.IsZero() {
		t := info.StartedAt
		lastRun = &t
	} else if !info.Running && !info.FinishedAt.IsZero() {
		t := info.FinishedAt
		lastRun = &t
	}

	return state, lastRun, cleanJobsFromEnv(info.Env)
}

// projectVPN maps a vpn inspection to tunnel state. A running container
// without a healthcheck counts as up; an unhealthy or still-starting
// healthcheck means the tunnel is not usable yet.
func projectVPN(info *domain.ContainerInfo) domain.TunnelState {
	if !info.Running {
		return domain.TunnelDown
	}
	switch info.Health {
	case domain.HealthHealthy, domain.HealthNone:
		return domain.TunnelUp
	default:
		return domain.TunnelDown
	}
}

// projectTor maps a tor inspection to tunnel state. Tor has no
// healthcheck; running is up.
func projectTor(info *domain.ContainerInfo) domain.TunnelState {
	if info.Running {
		return domain.TunnelUp
	}
	return domain.TunnelDown
}

func cleanJobsFromEnv(env []string) *int {
	for _, kv := range env {
		val, ok := strings.CutPrefix(kv, cleanJobsEnvKey+"=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil
		}
		return &n
	}
	return nil
}

// streamError is the payload of an "error" event on an open stream.
type streamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Watch drives one status stream: it pushes an initial snapshot, then
// recomputes on engine events for the watched containers and on the
// fallback tick, pushing to conn only when the snapshot differs from the
// last one pushed on this connection. An event-subscription failure is
// reported on the stream but does not terminate it; the tick path keeps
// the stream live. Watch returns when ctx is canceled or conn stops
// accepting pushes.
func (p *StatusProjector) Watch(ctx context.Context, conn domain.PushConnection) {
	last := p.Project(ctx)
	if err := conn.PushData(last); err != nil {
		return
	}

	names := []string{p.containers.Pipeline, p.containers.VPN, p.containers.Tor}
	events, errs := p.engine.Events(ctx, names)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-events:
			if !ok {
				// Subscription ended; the ticker keeps the stream alive.
				events = nil
				continue
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Warn("engine event subscription failed", zap.Error(err))
			if pushErr := conn.PushEvent("error", streamError{
				Code:    string(domain.CodeEngine),
				Message: "engine event subscription failed",
			}); pushErr != nil {
				return
			}
			continue

		case <-ticker.C:
		}

		if conn.IsClosed() {
			return
		}
		snap := p.Project(ctx)
		if snap.Equal(last) {
			continue
		}
		if err := conn.PushData(snap); err != nil {
			return
		}
		last = snap
	}
}
