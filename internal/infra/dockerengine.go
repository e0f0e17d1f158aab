package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/pipectl/internal/domain"
)

// DefaultDockerSocket is where the engine listens on Linux hosts.
const DefaultDockerSocket = "/var/run/docker.sock"

// dockerAPIVersion pins the Engine API version the client speaks. 1.43 is
// old enough to be accepted by every engine this daemon targets.
const dockerAPIVersion = "v1.43"

// maxErrorBody bounds how much of an engine error response is read for
// diagnostics.
const maxErrorBody = 64 << 10

// DockerEngine implements domain.ContainerEngine against the Docker
// Engine HTTP API over a unix socket.
type DockerEngine struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewDockerEngine creates a client for the engine socket at socketPath.
func NewDockerEngine(socketPath string, logger *zap.Logger) *DockerEngine {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &DockerEngine{
		client: &http.Client{Transport: transport},
		// Host is a placeholder; the transport dials the socket.
		baseURL: "http://docker/" + dockerAPIVersion,
		logger:  logger,
	}
}

// NewDockerEngineURL creates a client against an HTTP base URL. Used by
// tests to point the client at an httptest server.
func NewDockerEngineURL(baseURL string, logger *zap.Logger) *DockerEngine {
	return &DockerEngine{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/") + "/" + dockerAPIVersion,
		logger:  logger,
	}
}

// inspectResponse is the subset of the engine's inspect payload the
// projector needs.
type inspectResponse struct {
	State struct {
		Running    bool   `json:"Running"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
		Health     *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
	Config struct {
		Env []string `json:"Env"`
	} `json:"Config"`
}

// Inspect returns the current state of a named container.
func (e *DockerEngine) Inspect(ctx context.Context, name string) (*domain.ContainerInfo, error) {
	resp, err := e.get(ctx, "/containers/"+url.PathEscape(name)+"/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, e.apiError(resp, name)
	}

	var raw inspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, domain.WrapError(domain.CodeEngine, err, "decoding container state")
	}

	info := &domain.ContainerInfo{
		Running:    raw.State.Running,
		Health:     domain.HealthNone,
		StartedAt:  parseEngineTime(raw.State.StartedAt),
		FinishedAt: parseEngineTime(raw.State.FinishedAt),
		Env:        raw.Config.Env,
	}
	if raw.State.Health != nil {
		switch raw.State.Health.Status {
		case "healthy":
			info.Health = domain.HealthHealthy
		case "unhealthy":
			info.Health = domain.HealthUnhealthy
		case "starting":
			info.Health = domain.HealthStarting
		}
	}
	return info, nil
}

// Start starts a named container. The engine answers 304 when it is
// already running, which counts as success.
func (e *DockerEngine) Start(ctx context.Context, name string) error {
	resp, err := e.post(ctx, "/containers/"+url.PathEscape(name)+"/start")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return nil
	default:
		return e.apiError(resp, name)
	}
}

// Stop stops a named container with the given grace window before the
// engine escalates to SIGKILL. 304 (already stopped) counts as success.
func (e *DockerEngine) Stop(ctx context.Context, name string, grace time.Duration) error {
	seconds := int(grace / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	resp, err := e.post(ctx, fmt.Sprintf("/containers/%s/stop?t=%d", url.PathEscape(name), seconds))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return nil
	default:
		return e.apiError(resp, name)
	}
}

// RawLogs returns the container's multiplexed log stream. The engine is
// asked for timestamps so every line carries an RFC3339 prefix for the
// framer to extract.
func (e *DockerEngine) RawLogs(ctx context.Context, name string, follow bool, tail int) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("stdout", "1")
	q.Set("stderr", "1")
	q.Set("timestamps", "1")
	if follow {
		q.Set("follow", "1")
	}
	if tail >= 0 {
		q.Set("tail", strconv.Itoa(tail))
	} else {
		q.Set("tail", "all")
	}

	resp, err := e.get(ctx, "/containers/"+url.PathEscape(name)+"/logs?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, e.apiError(resp, name)
	}
	return resp.Body, nil
}

// eventMessage is the subset of the engine's event payload we consume.
type eventMessage struct {
	Action string `json:"Action"`
	Actor  struct {
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
}

// Events subscribes to container lifecycle events for the named
// containers. Events are delivered until ctx is canceled or the engine
// closes the stream; failures surface on the error channel. Both channels
// close when the subscription ends.
func (e *DockerEngine) Events(ctx context.Context, names []string) (<-chan domain.ContainerEvent, <-chan error) {
	events := make(chan domain.ContainerEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		filters, _ := json.Marshal(map[string][]string{
			"type":      {"container"},
			"container": names,
		})
		resp, err := e.get(ctx, "/events?filters="+url.QueryEscape(string(filters)))
		if err != nil {
			if ctx.Err() == nil {
				errs <- err
			}
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errs <- e.apiError(resp, "")
			return
		}

		// The body never closes on its own while following; cancelling
		// ctx aborts the read through the request context.
		dec := json.NewDecoder(resp.Body)
		for {
			var msg eventMessage
			if err := dec.Decode(&msg); err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					errs <- domain.WrapError(domain.CodeEngine, err, "reading engine events")
				}
				return
			}
			ev := domain.ContainerEvent{
				Name:   msg.Actor.Attributes["name"],
				Action: msg.Action,
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errs
}

func (e *DockerEngine) get(ctx context.Context, path string) (*http.Response, error) {
	return e.do(ctx, http.MethodGet, path)
}

func (e *DockerEngine) post(ctx context.Context, path string) (*http.Response, error) {
	return e.do(ctx, http.MethodPost, path)
}

func (e *DockerEngine) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, nil)
	if err != nil {
		return nil, domain.WrapError(domain.CodeEngine, err, "building engine request")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.CodeEngine, err, "container engine unreachable")
	}
	return resp, nil
}

// apiError turns a non-success engine response into a classified error.
// The engine's own message goes to logs, not to clients.
func (e *DockerEngine) apiError(resp *http.Response, name string) error {
	var detail struct {
		Message string `json:"message"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(body, &detail)

	e.logger.Debug("engine API error",
		zap.Int("status", resp.StatusCode),
		zap.String("container", name),
		zap.String("message", detail.Message))

	if resp.StatusCode == http.StatusNotFound {
		return domain.NewError(domain.CodeContainerNotFound, "container not found")
	}
	return domain.NewError(domain.CodeEngine, "container engine request failed")
}

// parseEngineTime parses an engine timestamp. The engine uses the year-1
// sentinel for "never", which parses to a zero time and is treated as
// absent by callers.
func parseEngineTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
