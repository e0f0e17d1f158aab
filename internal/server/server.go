package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/pipectl/internal/config"
	"github.com/eliteGoblin/pipectl/internal/domain"
	"github.com/eliteGoblin/pipectl/internal/logframe"
	"github.com/eliteGoblin/pipectl/internal/push"
	"github.com/eliteGoblin/pipectl/internal/usecase"
)

// Server wires the HTTP surface to the projector, broadcaster, link store
// and engine.
type Server struct {
	cfg         config.Config
	engine      domain.ContainerEngine
	links       domain.LinkStore
	prober      domain.SystemProber
	projector   *usecase.StatusProjector
	broadcaster *push.Broadcaster
	limiters    *limiterPool
	logger      *zap.Logger
	handler     http.Handler
}

// New assembles the server. All collaborators are injected; nothing here
// reaches for globals.
func New(
	cfg config.Config,
	engine domain.ContainerEngine,
	links domain.LinkStore,
	prober domain.SystemProber,
	projector *usecase.StatusProjector,
	broadcaster *push.Broadcaster,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:         cfg,
		engine:      engine,
		links:       links,
		prober:      prober,
		projector:   projector,
		broadcaster: broadcaster,
		limiters:    newLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		logger:      logger,
	}
	s.handler = s.buildHandler()
	return s
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/logs/stream", s.handleLogsStream)
	mux.HandleFunc("POST /api/pipeline/start", s.handlePipelineStart)
	mux.HandleFunc("POST /api/pipeline/stop", s.handlePipelineStop)
	mux.HandleFunc("GET /api/links", s.handleLinksList)
	mux.HandleFunc("POST /api/links", s.handleLinksAdd)
	mux.HandleFunc("POST /api/links/bulk", s.handleLinksBulk)
	mux.HandleFunc("DELETE /api/links/{id}", s.handleLinksRemove)
	mux.HandleFunc("GET /api/system", s.handleSystem)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, domain.NewError(domain.CodeNotFound, "unknown route"))
	})

	return s.logRequests(s.cors(s.auth(s.rateLimit(mux))))
}

// Handler returns the fully wrapped HTTP handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is canceled, then shuts down gracefully and closes
// every open push connection.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.handler,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.broadcaster.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Streams still blocked on upstream reads: cut the client
		// connections, which cancels their request contexts.
		s.logger.Warn("graceful shutdown timed out, forcing close", zap.Error(err))
		return srv.Close()
	}
	return nil
}

// ---- handlers ----

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.projector.Project(r.Context()))
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := newSSEConn(w)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := s.broadcaster.Register(conn, "ping", s.cfg.Stream.StatusHeartbeat())
	defer s.broadcaster.Remove(id)

	s.projector.Watch(r.Context(), conn)
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := newSSEConn(w)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id := s.broadcaster.Register(conn, "heartbeat", s.cfg.Stream.LogHeartbeat())
	defer s.broadcaster.Remove(id)

	ctx := r.Context()
	body, err := s.engine.RawLogs(ctx, s.cfg.Containers.Pipeline, true, s.cfg.Stream.LogTail)
	if err != nil {
		// The stream itself could not be established: report and close.
		s.logger.Warn("log stream failed to open", zap.Error(err))
		_ = conn.PushEvent("error", errorPayload(err))
		return
	}
	defer body.Close()

	framer := logframe.New()
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, rec := range framer.Feed(buf[:n]) {
				if err := conn.PushData(rec); err != nil {
					return
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && ctx.Err() == nil {
				_ = conn.PushEvent("info", map[string]string{"message": "log stream ended"})
			}
			return
		}
	}
}

// pipelineTarget rejects any client attempt to point start/stop at a
// container other than the allow-listed pipeline. The target is never
// taken from the request; naming one that differs is a validation error.
func (s *Server) pipelineTarget(r *http.Request) (string, error) {
	allowed := s.cfg.Containers.Pipeline

	if q := r.URL.Query().Get("name"); q != "" && q != allowed {
		return "", domain.NewError(domain.CodeValidation, "target container not allowed")
	}
	if r.Body != nil && r.ContentLength != 0 {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err == nil {
			if body.Name != "" && body.Name != allowed {
				return "", domain.NewError(domain.CodeValidation, "target container not allowed")
			}
		}
	}
	return allowed, nil
}

func (s *Server) handlePipelineStart(w http.ResponseWriter, r *http.Request) {
	name, err := s.pipelineTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Start(r.Context(), name); err != nil {
		s.logger.Error("pipeline start failed", zap.Error(err))
		s.writeError(w, err)
		return
	}
	s.logger.Info("pipeline started", zap.String("container", name))
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePipelineStop(w http.ResponseWriter, r *http.Request) {
	name, err := s.pipelineTarget(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Stop(r.Context(), name, s.cfg.Stream.StopGrace()); err != nil {
		s.logger.Error("pipeline stop failed", zap.Error(err))
		s.writeError(w, err)
		return
	}
	s.logger.Info("pipeline stopped", zap.String("container", name))
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLinksList(w http.ResponseWriter, r *http.Request) {
	items, err := s.links.List()
	if err != nil {
		s.logger.Error("link list failed", zap.Error(err))
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []domain.Link{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]domain.Link{"items": items})
}

func (s *Server) handleLinksAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		s.writeError(w, domain.NewError(domain.CodeValidation, "malformed request body"))
		return
	}
	if err := s.validateLinkURL(body.URL); err != nil {
		s.writeError(w, err)
		return
	}

	id, err := s.links.Add(body.URL)
	if err != nil {
		s.logger.Error("link add failed", zap.Error(err))
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleLinksBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		s.writeError(w, domain.NewError(domain.CodeValidation, "malformed request body"))
		return
	}
	for _, u := range body.URLs {
		if err := s.validateLinkURL(u); err != nil {
			s.writeError(w, err)
			return
		}
	}

	created, err := s.links.AddBulk(body.URLs)
	if err != nil {
		s.logger.Error("bulk link add failed", zap.Error(err))
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"created": created})
}

func (s *Server) handleLinksRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.links.Remove(id)
	if err != nil {
		s.logger.Error("link remove failed", zap.Error(err))
		s.writeError(w, err)
		return
	}
	if !removed {
		s.writeError(w, domain.NewError(domain.CodeNotFound, "link not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	info, err := s.prober.Probe(r.Context())
	if err != nil {
		s.logger.Error("system probe failed", zap.Error(err))
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// validateLinkURL enforces the allow-list of scheme+host prefixes.
func (s *Server) validateLinkURL(raw string) error {
	if raw == "" {
		return domain.NewError(domain.CodeValidation, "url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return domain.NewError(domain.CodeValidation, "url is not absolute")
	}
	for _, prefix := range s.cfg.Links.AllowedPrefixes {
		if strings.HasPrefix(raw, prefix) {
			return nil
		}
	}
	return domain.NewError(domain.CodeValidation, "url not in allow-list")
}

// ---- responses ----

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorPayload(err error) map[string]errorBody {
	return map[string]errorBody{"error": {
		Code:    string(domain.CodeOf(err)),
		Message: domain.MessageOf(err),
	}}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatus(domain.CodeOf(err)), errorPayload(err))
}

func httpStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeNotFound, domain.CodeContainerNotFound:
		return http.StatusNotFound
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	case domain.CodeEngine:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
