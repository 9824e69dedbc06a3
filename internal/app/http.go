package app

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"knowtis/collab/internal/access"
	"knowtis/collab/internal/auth"
	"knowtis/collab/internal/gitrepo"
	"knowtis/collab/internal/search"
	"knowtis/collab/internal/util"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type JoinPolicy interface {
	CanJoin(ctx context.Context, id auth.Identity, noteID string) (access.Decision, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Revisions interface {
	History(noteID string, limit int) ([]gitrepo.Revision, error)
	ContentAt(noteID, hash string) (string, error)
}

// Deps are the collaborators behind the HTTP surface. Cache, Search and
// Revisions are optional.
type Deps struct {
	Database  Pinger
	Cache     Pinger
	Gateway   http.Handler
	Metrics   http.Handler
	Policy    JoinPolicy
	Verifier  *auth.Verifier
	Search    Searcher
	Revisions Revisions
}

type HTTPServer struct {
	deps       Deps
	corsOrigin string
	log        *zap.SugaredLogger
}

func NewHTTPServer(deps Deps, corsOrigin string, log *zap.SugaredLogger) *HTTPServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HTTPServer{deps: deps, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/api/notes/{id}/revisions", s.handleRevisions).Methods(http.MethodGet)
	r.HandleFunc("/api/notes/{id}/revisions/{hash}", s.handleRevisionContent).Methods(http.MethodGet)
	if s.deps.Gateway != nil {
		r.Handle("/collaboration", s.deps.Gateway).Methods(http.MethodGet)
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	check("database", s.deps.Database)
	check("cache", s.deps.Cache)

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleSearch returns matching notes the caller is allowed to open.
func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit, err := pagingParam(r, "limit")
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	offset, err := pagingParam(r, "offset")
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	resp := s.deps.Search.Search(r.Context(), search.Query{Text: query, Limit: limit, Offset: offset})
	identity := s.identify(r)
	visible := make([]search.Result, 0, len(resp.Results))
	for _, result := range resp.Results {
		if ok, err := s.canOpen(r.Context(), identity, result.ID); err != nil {
			s.log.Warnw("search visibility check failed", "note_id", result.ID, "error", err)
		} else if ok {
			visible = append(visible, result)
		}
	}
	resp.Results = visible
	writeJSON(w, http.StatusOK, resp)
}

func pagingParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, &DomainError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "VALIDATION_ERROR",
			Message: name + " must be a non-negative integer",
			Details: map[string]string{"param": name},
		}
	}
	return value, nil
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request) {
	noteID := mux.Vars(r)["id"]
	if !s.authorizeNote(w, r, noteID) {
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	items, err := s.deps.Revisions.History(noteID, limit)
	if errors.Is(err, gitrepo.ErrNoRevisions) {
		items = []gitrepo.Revision{}
	} else if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noteId": noteID, "revisions": items})
}

func (s *HTTPServer) handleRevisionContent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	noteID := vars["id"]
	if !s.authorizeNote(w, r, noteID) {
		return
	}
	content, err := s.deps.Revisions.ContentAt(noteID, vars["hash"])
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noteId": noteID, "hash": vars["hash"], "content": content})
}

// authorizeNote applies the join policy to a read of noteID and writes the
// error response when it is refused.
func (s *HTTPServer) authorizeNote(w http.ResponseWriter, r *http.Request, noteID string) bool {
	if s.deps.Revisions == nil {
		writeError(w, http.StatusServiceUnavailable, "REVISIONS_UNAVAILABLE", "Revision archive is not configured", nil)
		return false
	}
	if s.deps.Policy == nil {
		return true
	}
	decision, err := s.deps.Policy.CanJoin(r.Context(), s.identify(r), noteID)
	if err != nil {
		s.writeMappedError(w, err)
		return false
	}
	if !decision.Allowed {
		status := http.StatusForbidden
		if decision.Code == "AUTH_REQUIRED" || decision.Code == "AUTH_ERROR" {
			status = http.StatusUnauthorized
		}
		writeError(w, status, string(decision.Code), decision.Message, nil)
		return false
	}
	return true
}

func (s *HTTPServer) canOpen(ctx context.Context, identity auth.Identity, noteID string) (bool, error) {
	if s.deps.Policy == nil {
		return true, nil
	}
	decision, err := s.deps.Policy.CanJoin(ctx, identity, noteID)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

func (s *HTTPServer) identify(r *http.Request) auth.Identity {
	return auth.Identify(s.deps.Verifier, auth.BearerToken(r.Header.Get("Authorization")), requestID(r.Context()))
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Infow("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the collaboration socket upgrade through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}
