package domain

import (
	"context"
	"io"
	"time"
)

// ContainerEngine is the container-engine API surface the core needs.
// Implementation: Docker Engine HTTP API over a unix socket.
type ContainerEngine interface {
	// Inspect returns the current state of a named container.
	Inspect(ctx context.Context, name string) (*ContainerInfo, error)

	// Start starts a named container. Already-running is not an error.
	Start(ctx context.Context, name string) error

	// Stop stops a named container, giving it the grace window before the
	// engine escalates. Already-stopped is not an error.
	Stop(ctx context.Context, name string, grace time.Duration) error

	// RawLogs returns the container's multiplexed log byte stream. With
	// follow the stream stays open and delivers new output as it appears;
	// tail bounds how much history is replayed (<0 means everything).
	// The caller owns the returned stream and must close it.
	RawLogs(ctx context.Context, name string, follow bool, tail int) (io.ReadCloser, error)

	// Events subscribes to lifecycle events for the named containers.
	// The event channel closes when the subscription ends; a subscription
	// failure is delivered on the error channel. Cancel ctx to unsubscribe.
	Events(ctx context.Context, names []string) (<-chan ContainerEvent, <-chan error)
}

// LinkStore is a content-addressed set of URLs persisted as a plain
// newline-delimited text file. At most one entry per distinct URL string
// (exact match, no normalization).
//
// Mutations are serialized within the process, but there is no cross-process
// locking: two processes mutating the same file race read-modify-write and
// the later rewrite wins. Single-writer deployments only.
type LinkStore interface {
	// List returns all stored links in file order. A missing artifact is
	// an empty list, not an error.
	List() ([]Link, error)

	// Add appends url if absent and returns its id. Adding a URL that is
	// already present returns the existing id without writing.
	Add(url string) (string, error)

	// AddBulk appends every url not already present in one rewrite and
	// returns how many were actually added. When nothing is new the
	// artifact is not touched at all.
	AddBulk(urls []string) (int, error)

	// Remove deletes the link with the given id. Returns false when no
	// stored URL hashes to id; the artifact is then left untouched.
	Remove(id string) (bool, error)
}

// PushConnection is one long-lived server-to-client push channel.
// Owned exclusively by the broadcaster registry from registration until
// transport close; never persisted.
type PushConnection interface {
	// PushData sends a plain data frame carrying v.
	PushData(v any) error

	// PushEvent sends a named event frame carrying v.
	PushEvent(name string, v any) error

	// Close tears the connection down. Safe to call more than once and
	// concurrently with an in-flight push.
	Close() error

	// IsClosed reports whether the connection has been closed.
	IsClosed() bool
}

// SystemProber samples host resource usage.
// Implementation: uses gopsutil for cross-platform support.
type SystemProber interface {
	Probe(ctx context.Context) (*SystemInfo, error)
}
