package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agentworkforce/shellsync/internal/metrics"
	"github.com/agentworkforce/shellsync/internal/shell"
)

type ServerConfig struct {
	// APIToken, when set, is required as a bearer token on every /v1 route.
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

type Server struct {
	view        *shell.View
	cfg         ServerConfig
	router      chi.Router
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(view *shell.View) *Server {
	return NewServerWithConfig(view, ServerConfig{})
}

func NewServerWithConfig(view *shell.View, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.APIToken = strings.TrimSpace(cfg.APIToken)
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		view:        view,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      cfg.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authorize)
		r.Use(s.limit)

		r.Get("/view", s.handleViewState)
		r.Post("/view/activate", s.handleActivate)
		r.Post("/view/deactivate", s.handleDeactivate)
		r.Post("/view/reload", s.handleReload)
		r.Get("/changes", s.handleChanges)

		r.Get("/downloads", s.handleDownloads)
		r.Post("/downloads/{id}/{action}", s.handleDownloadAction)
		r.Delete("/downloads/{id}", s.handleRemoveDownload)

		r.Get("/archives", s.handleArchives)
		r.Post("/archives/restore", s.handleRestore)
		r.Post("/archives/{key}/toggle-serving", s.handleToggle(s.view.ToggleServing))
		r.Post("/archives/{key}/toggle-saved", s.handleToggle(s.view.ToggleSaved))
		r.Delete("/archives/{key}", s.handleRemoveArchive)

		r.Get("/suggestions", s.handleSuggestions)
		r.Post("/suggestions/subscribe", s.handleSubscribe)
		r.Post("/search", s.handleSearch)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

// correlation makes sure every request carries an X-Correlation-Id and
// echoes it on the response.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" {
			id = "api_" + uuid.NewString()
			r.Header.Set("X-Correlation-Id", id)
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authErr := authorizeToken(r, s.cfg.APIToken); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := max(int(math.Ceil(s.rateLimiter.window.Seconds())), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleViewState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.view.Active(),
		"seq":    s.view.Seq(),
		"query":  s.view.SearchQuery(),
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	gen := s.view.Activate(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{"active": true, "generation": gen})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.view.Deactivate()
	writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.view.Reload(r.Context(), "api"); err != nil {
		s.writeShellError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": s.view.Active(), "seq": s.view.Seq()})
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"query": s.view.SearchQuery(),
		"rows":  s.view.DownloadRows(),
	})
}

func (s *Server) handleDownloadAction(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var call func() error
	switch chi.URLParam(r, "action") {
	case "pause":
		call = func() error { return s.view.PauseDownload(r.Context(), id) }
	case "resume":
		call = func() error { return s.view.ResumeDownload(r.Context(), id) }
	case "cancel":
		call = func() error { return s.view.CancelDownload(r.Context(), id) }
	case "open":
		call = func() error { return s.view.OpenDownload(r.Context(), id) }
	case "show":
		call = func() error { return s.view.ShowDownload(r.Context(), id) }
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown download action", getCorrelationID(r))
		return
	}
	if err := call(); err != nil {
		s.writeShellError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.view.RemoveDownload(r.Context(), pathParam(r, "id")); err != nil {
		s.writeShellError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"archives": s.view.Archives()})
}

func (s *Server) handleToggle(toggle func(string) (shell.UserSettings, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := pathParam(r, "key")
		settings, err := toggle(key)
		if err != nil {
			s.writeShellError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "userSettings": settings})
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	restored := s.view.RestoreAll()
	if restored == nil {
		restored = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": restored})
}

func (s *Server) handleRemoveArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.view.RemoveArchive(r.Context(), pathParam(r, "key")); err != nil {
		s.writeShellError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": s.view.Suggestions()})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "url is required", getCorrelationID(r))
		return
	}
	if err := s.view.SubscribeSuggestion(body.URL); err != nil {
		s.writeShellError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"url": body.URL, "subscribed": true})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	s.view.NotifySearchInput(body.Query)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeShellError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "correlation_id", getCorrelationID(r), "error", err)
	}
	writeError(w, status, code, err.Error(), getCorrelationID(r))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, shell.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, shell.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, shell.ErrNotImplemented):
		return http.StatusNotImplemented, "not_implemented"
	case errors.Is(err, shell.ErrWriteFailed):
		return http.StatusBadGateway, "write_failed"
	case errors.Is(err, shell.ErrFetchFailed):
		return http.StatusBadGateway, "fetch_failed"
	case errors.Is(err, shell.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	}
	return http.StatusInternalServerError, "internal_error"
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if value, err := url.PathUnescape(raw); err == nil {
		return value
	}
	return raw
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", getCorrelationID(r))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
