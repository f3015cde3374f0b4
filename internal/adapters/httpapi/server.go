// Package httpapi is the HTTP surface of the presentation layer: the
// persisted token list, its edit actions, settings, and export archives.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tokenvault/internal/adapters/transfer"
	"tokenvault/internal/blob"
	"tokenvault/internal/core"
	"tokenvault/internal/reconcile"
	"tokenvault/internal/session"
	"tokenvault/pkg/domain"
)

const maxImportBytes = 16 << 20

// Options configure a Server.
type Options struct {
	Service  *core.Service
	Sessions *Sessions
	Blob     blob.Store
	Logger   *slog.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// DebugVars is mounted at /debug/vars when set.
	DebugVars http.Handler
	// Bridge is mounted at BridgePath when set.
	Bridge     http.Handler
	BridgePath string
}

// Server routes API requests.
type Server struct {
	service  *core.Service
	sessions *Sessions
	exporter *transfer.Exporter
	store    blob.Store
	log      *slog.Logger
	router   chi.Router
}

// New builds the router.
func New(opts Options) *Server {
	if opts.Sessions == nil {
		opts.Sessions = &Sessions{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		service:  opts.Service,
		sessions: opts.Sessions,
		store:    opts.Blob,
		log:      opts.Logger,
	}
	if opts.Blob != nil {
		s.exporter = transfer.NewExporter(opts.Service, opts.Blob, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.DebugVars != nil {
		r.Handle("/debug/vars", opts.DebugVars)
	}
	if opts.Bridge != nil {
		path := opts.BridgePath
		if path == "" {
			path = "/bridge"
		}
		r.Handle(path, opts.Bridge)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/tokens", s.handleListTokens)
		r.Post("/tokens/type", s.handleSetType)
		r.Post("/tokens/name", s.handleSetName)
		r.Post("/tokens/disabled-properties", s.handleSetDisabledProperties)
		r.Post("/tokens/groups", s.handleSetGroups)
		r.Post("/tokens/remove", s.handleRemove)
		r.Put("/settings", s.handleSettings)
		r.Get("/exports", s.handleListExports)
		r.Post("/exports", s.handleCreateExport)
		r.Get("/exports/*", s.handleDownloadExport)
		r.Post("/imports/preview", s.handleImportPreview)
		r.Post("/imports", s.handleImport)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) actions() actions {
	if sess, ok := s.sessions.Active(); ok {
		return sess
	}
	return serviceActions{svc: s.service}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	if sess, ok := s.sessions.Active(); ok {
		writeJSON(w, http.StatusOK, sess.State())
		return
	}
	writeJSON(w, http.StatusOK, session.State{
		Tokens:             s.service.List(),
		Usage:              reconcile.UsageIndex{},
		ContextMenuEnabled: s.service.Settings().ContextMenuEnabled,
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, _ *http.Request) {
	tokens := s.service.List()
	if tokens == nil {
		tokens = []domain.PersistedToken{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

type keyRequest struct {
	Key domain.Key `json:"key"`
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleSetType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		keyRequest
		Type domain.PersistenceType `json:"type"`
	}
	if !decode(w, r, &req) || !s.requireToken(w, req.Key) {
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "type must be UNIQUE or TEMPLATE")
		return
	}
	s.respond(w, s.actions().SetType(r.Context(), req.Key, req.Type))
}

func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		keyRequest
		Name string `json:"name"`
	}
	if !decode(w, r, &req) || !s.requireToken(w, req.Key) {
		return
	}
	s.respond(w, s.actions().SetName(r.Context(), req.Key, req.Name))
}

func (s *Server) handleSetDisabledProperties(w http.ResponseWriter, r *http.Request) {
	var req struct {
		keyRequest
		Properties []domain.PersistedProperty `json:"properties"`
	}
	if !decode(w, r, &req) || !s.requireToken(w, req.Key) {
		return
	}
	for _, prop := range req.Properties {
		if !prop.Valid() {
			writeError(w, http.StatusBadRequest, "unknown property "+string(prop))
			return
		}
	}
	s.respond(w, s.actions().SetDisabledProperties(r.Context(), req.Key, req.Properties))
}

func (s *Server) handleSetGroups(w http.ResponseWriter, r *http.Request) {
	var req struct {
		keyRequest
		Groups []string `json:"groups"`
	}
	if !decode(w, r, &req) || !s.requireToken(w, req.Key) {
		return
	}
	s.respond(w, s.actions().SetGroups(r.Context(), req.Key, req.Groups))
}

func (s *Server) requireToken(w http.ResponseWriter, key domain.Key) bool {
	if _, ok := s.service.Get(key); !ok {
		writeError(w, http.StatusNotFound, "no persisted token for "+string(key))
		return false
	}
	return true
}

// handleRemove is idempotent: removing an unknown key succeeds.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decode(w, r, &req) {
		return
	}
	s.respond(w, s.actions().RemoveToken(r.Context(), req.Key))
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req domain.Settings
	if !decode(w, r, &req) {
		return
	}
	if err := s.actions().SetContextMenuEnabled(r.Context(), req.ContextMenuEnabled); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Settings())
}

func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	if !s.requireBlob(w) {
		return
	}
	archives, err := s.exporter.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, archives)
}

func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireBlob(w) {
		return
	}
	archive, err := s.exporter.Export(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, archive)
}

func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	if !s.requireBlob(w) {
		return
	}
	key := transfer.Prefix + chi.URLParam(r, "*")
	data, err := s.exporter.Read(r.Context(), key)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="persisted-tokens.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) importer() *transfer.Importer {
	return transfer.NewImporter(s.service, s.actions(), s.store)
}

func readImport(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return nil, false
	}
	return data, true
}

func (s *Server) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	data, ok := readImport(w, r)
	if !ok {
		return
	}
	plan, err := s.importer().Prepare(data)
	if err != nil {
		s.fail(w, err)
		return
	}
	collisions := plan.Collisions
	if collisions == nil {
		collisions = []domain.Key{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": len(plan.Tokens), "collisions": collisions})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))
	im := s.importer()
	var (
		report core.ImportReport
		err    error
	)
	if archive := r.URL.Query().Get("archive"); archive != "" {
		if !s.requireBlob(w) {
			return
		}
		report, err = im.ImportArchive(r.Context(), transfer.Prefix+strings.TrimPrefix(archive, transfer.Prefix), overwrite)
	} else {
		data, ok := readImport(w, r)
		if !ok {
			return
		}
		report, err = im.Import(r.Context(), data, overwrite)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) requireBlob(w http.ResponseWriter) bool {
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var notFound domain.ErrNotFound
	var blocked domain.RuleViolationError
	switch {
	case errors.As(err, &notFound), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, transfer.ErrImportCollision):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidImport), errors.Is(err, domain.ErrEmptyImport), errors.Is(err, blob.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      err.Error(),
			"violations": blocked.Result.Violations,
		})
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
