package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gwics/internal/attach"
	"gwics/internal/config"
	"gwics/internal/export"
	appLog "gwics/internal/log"
	"gwics/internal/model"
)

// Refresher triggers an export run on demand.
type Refresher interface {
	RunOnce(ctx context.Context) (*export.Report, error)
}

// Server publishes the latest exported calendar, its diff against the
// previous run and the stored attachment payloads.
type Server struct {
	cfg            *config.Config
	attachmentsDir string
	refresher      Refresher
	router         chi.Router

	// Latest export result, replaced wholesale by Publish.
	stateMu   sync.RWMutex
	calendar  []byte
	summary   model.DiffSummary
	updatedAt time.Time
}

// NewServer constructs a new Server. refresher may be nil, in which case
// /api/refresh answers 503.
func NewServer(cfg *config.Config, attachmentsDir string, refresher Refresher) *Server {
	s := &Server{
		cfg:            cfg,
		attachmentsDir: attachmentsDir,
		refresher:      refresher,
	}
	s.router = s.routes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Publish stores the result of an export run. It satisfies
// export.Publisher.
func (s *Server) Publish(calendar []byte, summary model.DiffSummary) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.calendar = calendar
	s.summary = summary
	s.updatedAt = time.Now().UTC()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
			r.Use(s.basicAuthMiddleware)
		}
		r.Get("/calendar.ics", s.handleCalendar)
		r.Get("/api/diff", s.handleDiff)
		r.Post("/api/refresh", s.handleRefresh)
		r.Handle(strings.TrimSuffix(attach.URLPrefix, "/")+"/*", s.attachmentServer())
	})

	return r
}

// requestLogger logs one line per request through the application logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start).String(),
		)
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware guards every route it is mounted on with HTTP Basic
// Auth. /health is registered outside of it.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gwics", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves s on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func StartServer(ctx context.Context, cfg *config.Config, s *Server) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCalendar serves the latest serialized calendar. ServeContent takes
// care of If-Modified-Since and range requests.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	s.stateMu.RLock()
	body := s.calendar
	updatedAt := s.updatedAt
	s.stateMu.RUnlock()

	if body == nil {
		writeError(w, http.StatusServiceUnavailable, "no export has completed yet")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	http.ServeContent(w, r, "calendar.ics", updatedAt, bytes.NewReader(body))
}

type diffResponse struct {
	UpdatedAt time.Time         `json:"updated_at"`
	Empty     bool              `json:"empty"`
	Summary   model.DiffSummary `json:"summary"`
}

func (s *Server) handleDiff(w http.ResponseWriter, _ *http.Request) {
	s.stateMu.RLock()
	resp := diffResponse{
		UpdatedAt: s.updatedAt,
		Empty:     s.summary.Empty(),
		Summary:   s.summary,
	}
	ready := s.calendar != nil
	s.stateMu.RUnlock()

	if !ready {
		writeError(w, http.StatusServiceUnavailable, "no export has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type refreshResponse struct {
	Events  int               `json:"events"`
	Summary model.DiffSummary `json:"summary"`
}

// handleRefresh runs an export synchronously. Runs are serialized by the
// runner, so a refresh during a scheduled run waits for it.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh is not available")
		return
	}

	report, err := s.refresher.RunOnce(r.Context())
	if err != nil {
		appLog.Error("manual refresh failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Events: report.Events, Summary: report.Summary})
}

// attachmentServer serves stored payloads. Directory listings are not
// exposed.
func (s *Server) attachmentServer() http.Handler {
	fs := http.StripPrefix(attach.URLPrefix, http.FileServer(http.Dir(s.attachmentsDir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
