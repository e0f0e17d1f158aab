//go:build integration

package integration

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/pipectl/internal/config"
	"github.com/eliteGoblin/pipectl/internal/domain"
	"github.com/eliteGoblin/pipectl/internal/infra"
	"github.com/eliteGoblin/pipectl/internal/push"
	"github.com/eliteGoblin/pipectl/internal/server"
	"github.com/eliteGoblin/pipectl/internal/usecase"
)

// fakeDockerd emulates the subset of the Docker engine HTTP API the
// server talks to, with mutable per-container run state.
type fakeDockerd struct {
	mu      sync.Mutex
	running map[string]bool
	logs    []byte
}

func (f *fakeDockerd) setRunning(name string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = up
}

func (f *fakeDockerd) isRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *fakeDockerd) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.43/containers/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1.43/containers/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		name, op := parts[0], parts[1]

		f.mu.Lock()
		_, known := f.running[name]
		f.mu.Unlock()
		if !known {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"message":"No such container: %s"}`, name)
			return
		}

		switch op {
		case "json":
			resp := map[string]interface{}{
				"State": map[string]interface{}{
					"Running":    f.isRunning(name),
					"StartedAt":  "2024-03-01T10:00:00Z",
					"FinishedAt": "0001-01-01T00:00:00Z",
					"Health":     map[string]string{"Status": "healthy"},
				},
				"Config": map[string]interface{}{
					"Env": []string{"CLEAN_JOBS=3"},
				},
			}
			json.NewEncoder(w).Encode(resp)
		case "start":
			f.setRunning(name, true)
			w.WriteHeader(http.StatusNoContent)
		case "stop":
			f.setRunning(name, false)
			w.WriteHeader(http.StatusNoContent)
		case "logs":
			w.Write(f.logs)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/v1.43/events", func(w http.ResponseWriter, r *http.Request) {
		// Empty event stream: subscription succeeds and ends cleanly.
	})
	return mux
}

func muxFrames(stream domain.LogStream, lines ...string) []byte {
	var out []byte
	tag := byte(1)
	if stream == domain.StreamStderr {
		tag = 2
	}
	for _, line := range lines {
		payload := line + "\n"
		frame := make([]byte, 8+len(payload))
		frame[0] = tag
		binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
		copy(frame[8:], payload)
		out = append(out, frame...)
	}
	return out
}

var _ = Describe("Pipectl API", func() {
	var (
		dockerd *fakeDockerd
		engine  *httptest.Server
		api     *httptest.Server
		tmpDir  string
		cfg     config.Config
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "pipectl-integration-*")
		Expect(err).NotTo(HaveOccurred())

		dockerd = &fakeDockerd{
			running: map[string]bool{"pipeline": true, "gluetun": true, "tor": false},
			logs: muxFrames(domain.StreamStdout,
				"2024-03-01T10:00:00.000000000Z downloading item 1",
				"2024-03-01T10:00:01.000000000Z downloading item 2"),
		}
		engine = httptest.NewServer(dockerd.handler())

		cfg = config.Default()
		cfg.Links.File = filepath.Join(tmpDir, "links.txt")

		logger := zap.NewNop()
		eng := infra.NewDockerEngineURL(engine.URL, logger)
		links := infra.NewFileLinkStore(cfg.Links.File, logger)
		projector := usecase.NewStatusProjector(eng, usecase.WatchedContainers{
			Pipeline: cfg.Containers.Pipeline,
			VPN:      cfg.Containers.VPN,
			Tor:      cfg.Containers.Tor,
		}, "integration", cfg.Stream.StatusPoll(), logger)
		broadcaster := push.NewBroadcaster(logger)
		prober := infra.NewSystemProber(logger)

		srv := server.New(cfg, eng, links, prober, projector, broadcaster, logger)
		api = httptest.NewServer(srv.Handler())
	})

	AfterEach(func() {
		api.Close()
		engine.Close()
		os.RemoveAll(tmpDir)
	})

	getJSON := func(path string, out interface{}) *http.Response {
		resp, err := http.Get(api.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		if out != nil {
			Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
		}
		return resp
	}

	postJSON := func(path, body string) (*http.Response, map[string]interface{}) {
		resp, err := http.Post(api.URL+path, "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		var out map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&out)
		return resp, out
	}

	Describe("status", func() {
		It("projects live engine state", func() {
			var snap domain.StatusSnapshot
			resp := getJSON("/api/status", &snap)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(snap.Pipeline).To(Equal(domain.StateRunning))
			Expect(snap.VPN).To(Equal(domain.TunnelUp))
			Expect(snap.Tor).To(Equal(domain.TunnelDown))
			Expect(snap.CleanJobs).NotTo(BeNil())
			Expect(*snap.CleanJobs).To(Equal(3))
		})

		It("reflects a stop round-trip through the engine", func() {
			resp, _ := postJSON("/api/pipeline/stop", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(dockerd.isRunning("pipeline")).To(BeFalse())

			var snap domain.StatusSnapshot
			getJSON("/api/status", &snap)
			Expect(snap.Pipeline).To(Equal(domain.StateStopped))

			resp, _ = postJSON("/api/pipeline/start", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(dockerd.isRunning("pipeline")).To(BeTrue())
		})
	})

	Describe("links", func() {
		It("persists added links across store instances", func() {
			resp, out := postJSON("/api/links", `{"url":"https://mega.nz/folder/abc"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			id, _ := out["id"].(string)
			Expect(id).To(HaveLen(64))

			// A fresh store over the same file sees the link.
			reopened := infra.NewFileLinkStore(cfg.Links.File, zap.NewNop())
			items, err := reopened.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].URL).To(Equal("https://mega.nz/folder/abc"))
			Expect(items[0].ID).To(Equal(id))
		})

		It("removes by content id", func() {
			_, out := postJSON("/api/links", `{"url":"https://mega.nz/folder/abc"}`)
			id, _ := out["id"].(string)

			req, _ := http.NewRequest(http.MethodDelete, api.URL+"/api/links/"+id, nil)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var list struct {
				Items []domain.Link `json:"items"`
			}
			getJSON("/api/links", &list)
			Expect(list.Items).To(BeEmpty())
		})
	})

	Describe("log streaming", func() {
		It("demultiplexes engine frames into SSE records", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.URL+"/api/logs/stream", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			var records []domain.LogRecord
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				var rec domain.LogRecord
				if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &rec) == nil && rec.Text != "" {
					records = append(records, rec)
				}
				if len(records) == 2 {
					break
				}
			}

			Expect(records).To(HaveLen(2))
			Expect(records[0].Text).To(Equal("downloading item 1"))
			Expect(records[0].Stream).To(Equal(domain.StreamStdout))
			Expect(records[0].Timestamp).To(Equal("2024-03-01T10:00:00.000000000Z"))
			Expect(records[1].Text).To(Equal("downloading item 2"))
		})
	})

	Describe("auth", func() {
		It("guards the API when a token is configured", func() {
			cfg.AuthToken = "integration-token"
			logger := zap.NewNop()
			eng := infra.NewDockerEngineURL(engine.URL, logger)
			links := infra.NewFileLinkStore(cfg.Links.File, logger)
			projector := usecase.NewStatusProjector(eng, usecase.WatchedContainers{
				Pipeline: cfg.Containers.Pipeline,
				VPN:      cfg.Containers.VPN,
				Tor:      cfg.Containers.Tor,
			}, "integration", cfg.Stream.StatusPoll(), logger)
			guarded := httptest.NewServer(server.New(cfg, eng, links, infra.NewSystemProber(logger),
				projector, push.NewBroadcaster(logger), logger).Handler())
			defer guarded.Close()

			resp, err := http.Get(guarded.URL + "/api/status")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			req, _ := http.NewRequest(http.MethodGet, guarded.URL+"/api/status", nil)
			req.Header.Set("Authorization", "Bearer integration-token")
			resp, err = http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
