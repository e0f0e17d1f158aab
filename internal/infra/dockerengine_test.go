package infra

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/pipectl/internal/domain"
)

func engineForHandler(t *testing.T, handler http.HandlerFunc) *DockerEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDockerEngineURL(srv.URL, zap.NewNop())
}

func TestDockerEngine_InspectRunningHealthy(t *testing.T) {
	engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.43/containers/pipeline/json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"State": {
				"Running": true,
				"StartedAt": "2024-03-01T10:00:00.123456789Z",
				"FinishedAt": "0001-01-01T00:00:00Z",
				"Health": {"Status": "healthy"}
			},
			"Config": {"Env": ["PATH=/bin", "CLEAN_JOBS=3"]}
		}`)
	})

	info, err := engine.Inspect(context.Background(), "pipeline")
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, domain.HealthHealthy, info.Health)
	assert.Equal(t, 2024, info.StartedAt.Year())
	assert.True(t, info.FinishedAt.IsZero(), "engine's year-1 sentinel maps to zero time")
	assert.Contains(t, info.Env, "CLEAN_JOBS=3")
}

func TestDockerEngine_InspectNoHealthcheck(t *testing.T) {
	engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"State": {"Running": true}, "Config": {}}`)
	})

	info, err := engine.Inspect(context.Background(), "tor")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthNone, info.Health)
}

func TestDockerEngine_InspectNotFound(t *testing.T) {
	engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message": "No such container: ghost"}`)
	})

	_, err := engine.Inspect(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, domain.CodeContainerNotFound, domain.CodeOf(err))
	// The engine's own message never leaks to clients.
	assert.NotContains(t, domain.MessageOf(err), "ghost")
}

func TestDockerEngine_StartVariants(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantErr  bool
		wantCode domain.ErrorCode
	}{
		{"started", http.StatusNoContent, false, ""},
		{"already running", http.StatusNotModified, false, ""},
		{"missing", http.StatusNotFound, true, domain.CodeContainerNotFound},
		{"engine failure", http.StatusInternalServerError, true, domain.CodeEngine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/v1.43/containers/pipeline/start", r.URL.Path)
				w.WriteHeader(tt.status)
			})

			err := engine.Start(context.Background(), "pipeline")
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, domain.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDockerEngine_StopPassesGraceSeconds(t *testing.T) {
	var gotQuery url.Values
	engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.43/containers/pipeline/stop", r.URL.Path)
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, engine.Stop(context.Background(), "pipeline", 30*time.Second))
	assert.Equal(t, "30", gotQuery.Get("t"))
}

func TestDockerEngine_RawLogsQueryAndBody(t *testing.T) {
	payload := []byte{1, 0, 0, 0, 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}
	var gotQuery url.Values
	engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.43/containers/pipeline/logs", r.URL.Path)
		gotQuery = r.URL.Query()
		w.Write(payload)
	})

	body, err := engine.RawLogs(context.Background(), "pipeline", true, 200)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "1", gotQuery.Get("stdout"))
	assert.Equal(t, "1", gotQuery.Get("stderr"))
	assert.Equal(t, "1", gotQuery.Get("timestamps"))
	assert.Equal(t, "1", gotQuery.Get("follow"))
	assert.Equal(t, "200", gotQuery.Get("tail"))
}

func TestDockerEngine_RawLogsTailAll(t *testing.T) {
	var gotQuery url.Values
	engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
	})

	body, err := engine.RawLogs(context.Background(), "pipeline", false, -1)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, "all", gotQuery.Get("tail"))
	assert.Empty(t, gotQuery.Get("follow"))
}

func TestDockerEngine_EventsStream(t *testing.T) {
	engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.43/events", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("filters"), "container")
		io.WriteString(w, `{"Action":"start","Actor":{"Attributes":{"name":"pipeline"}}}`+"\n")
		io.WriteString(w, `{"Action":"die","Actor":{"Attributes":{"name":"tor"}}}`+"\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, errs := engine.Events(ctx, []string{"pipeline", "tor"})

	var got []domain.ContainerEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, domain.ContainerEvent{Name: "pipeline", Action: "start"}, got[0])
	assert.Equal(t, domain.ContainerEvent{Name: "tor", Action: "die"}, got[1])

	// A clean upstream end is not an error.
	err, open := <-errs
	assert.NoError(t, err)
	assert.False(t, open)
}

func TestDockerEngine_EventsSubscriptionFailure(t *testing.T) {
	engine := engineForHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"message":"events broken"}`)
	})

	events, errs := engine.Events(context.Background(), []string{"pipeline"})

	_, open := <-events
	assert.False(t, open)
	err := <-errs
	require.Error(t, err)
	assert.Equal(t, domain.CodeEngine, domain.CodeOf(err))
}

func TestDockerEngine_Unreachable(t *testing.T) {
	engine := NewDockerEngineURL("http://127.0.0.1:1", zap.NewNop())

	_, err := engine.Inspect(context.Background(), "pipeline")
	require.Error(t, err)
	assert.Equal(t, domain.CodeEngine, domain.CodeOf(err))
}
