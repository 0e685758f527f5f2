// CLAUDE:SUMMARY Authenticated local admin API: eligibility status, catalog refresh, settings/flags/transients CRUD, audit trail.
// Package admin is the agent's local HTTP control surface.
//
// Everything under /api sits behind basic auth checked against the bcrypt
// hash stored in settings under "admin_password_hash"; /health stays open
// for liveness probes. Every mutation lands in the audit trail.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storelogic/telegate/audit"
	"github.com/storelogic/telegate/feature"
	"github.com/storelogic/telegate/gate"
	"github.com/storelogic/telegate/idgen"
	"github.com/storelogic/telegate/kit"
	"github.com/storelogic/telegate/release"
	"github.com/storelogic/telegate/settings"
	"github.com/storelogic/telegate/transient"
	"github.com/storelogic/telegate/watch"
)

// Config collects the collaborators the admin surface exposes.
type Config struct {
	Gate       *gate.Gate
	Releases   *release.Resolver
	Settings   *settings.Store
	Flags      *feature.Registry
	Transients transient.Store
	// Auditor records mutations and answers GET /api/audit. Nil disables both.
	Auditor *audit.SQLiteLogger
	// Watcher is optional; when set its counters appear in /api/status.
	Watcher *watch.Watcher
	// Version is the agent build version reported by /api/status.
	Version string
	Logger  *slog.Logger
}

// Server serves the admin API. Build the handler with Router.
type Server struct {
	gate       *gate.Gate
	releases   *release.Resolver
	settings   *settings.Store
	flags      *feature.Registry
	transients transient.Store
	auditor    *audit.SQLiteLogger
	watcher    *watch.Watcher
	version    string
	logger     *slog.Logger
	newID      idgen.Generator
	started    time.Time
}

// NewServer wires a Server from its collaborators.
func NewServer(cfg Config) *Server {
	s := &Server{
		gate:       cfg.Gate,
		releases:   cfg.Releases,
		settings:   cfg.Settings,
		flags:      cfg.Flags,
		transients: cfg.Transients,
		auditor:    cfg.Auditor,
		watcher:    cfg.Watcher,
		version:    cfg.Version,
		logger:     cfg.Logger,
		newID:      idgen.Prefixed("req_", idgen.NanoID(8)),
		started:    time.Now(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.transients == nil {
		s.transients = transient.Noop()
	}
	return s
}

// Router builds the chi handler with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(securityHeaders)
	r.Use(maxBody(1 << 20))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.basicAuth)

		r.Get("/status", s.handleStatus)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/release", s.handleRelease)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleSettingsList)
			r.Get("/{key}", s.handleSettingsGet)
			r.Put("/{key}", s.handleSettingsPut)
			r.Delete("/{key}", s.handleSettingsDelete)
		})

		r.Route("/flags", func(r chi.Router) {
			r.Get("/", s.handleFlagsList)
			r.Put("/{name}", s.handleFlagsPut)
			r.Delete("/{name}", s.handleFlagsDelete)
		})

		r.Route("/transients", func(r chi.Router) {
			r.Get("/{key}", s.handleTransientsGet)
			r.Delete("/{key}", s.handleTransientsDelete)
		})

		r.Get("/audit", s.handleAuditList)
	})

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version":        s.version,
		"decision":       s.gate.Explain(r.Context()),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.watcher != nil {
		resp["watcher"] = s.watcher.Stats()
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	v, err := s.releases.Refresh(r.Context())
	s.auditLog(r, "release_refresh", nil, err)
	if err != nil {
		writeError(w, 502, err)
		return
	}
	writeJSON(w, 200, map[string]string{"version": v})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	version, ok := s.releases.LatestVersion(r.Context())
	notes, err := s.releases.Notes(r.Context())
	if err != nil {
		s.logger.Warn("admin: release notes unavailable", "error", err)
		notes = ""
	}
	writeJSON(w, 200, map[string]any{"version": version, "available": ok, "notes": notes})
}

func (s *Server) handleSettingsList(w http.ResponseWriter, r *http.Request) {
	list, err := s.settings.All(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	out := make([]settings.Setting, 0, len(list))
	for _, st := range list {
		// Credentials never leave the store.
		if st.Key == settings.KeyAdminPasswordHash {
			continue
		}
		out = append(out, st)
	}
	writeJSON(w, 200, out)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == settings.KeyAdminPasswordHash {
		writeError(w, 404, settings.ErrNotFound)
		return
	}
	value, ok, err := s.settings.Get(r.Context(), key)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if !ok {
		writeError(w, 404, settings.ErrNotFound)
		return
	}
	writeJSON(w, 200, map[string]string{"key": key, "value": value})
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	err := s.settings.Set(r.Context(), key, req.Value)
	s.auditLog(r, "settings_set", map[string]any{"key": key, "value": req.Value}, err)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"key": key, "value": req.Value})
}

func (s *Server) handleSettingsDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	err := s.settings.Delete(r.Context(), key)
	s.auditLog(r, "settings_delete", map[string]any{"key": key}, err)
	if errors.Is(err, settings.ErrNotFound) {
		writeError(w, 404, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) handleFlagsList(w http.ResponseWriter, r *http.Request) {
	flags, err := s.flags.List(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if flags == nil {
		flags = []feature.Flag{}
	}
	writeJSON(w, 200, flags)
}

func (s *Server) handleFlagsPut(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, 400, fmt.Errorf("enabled required"))
		return
	}
	err := s.flags.SetEnabled(r.Context(), name, *req.Enabled)
	s.auditLog(r, "feature_set", map[string]any{"name": name, "enabled": *req.Enabled}, err)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{"name": name, "enabled": *req.Enabled})
}

func (s *Server) handleFlagsDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.flags.Clear(r.Context(), name)
	s.auditLog(r, "feature_clear", map[string]any{"name": name}, err)
	if errors.Is(err, feature.ErrNotFound) {
		writeError(w, 404, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "cleared"})
}

func (s *Server) handleTransientsGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok, err := s.transients.Get(r.Context(), key)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]any{"key": key, "value": value, "present": ok})
}

func (s *Server) handleTransientsDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	err := s.transients.Delete(r.Context(), key)
	s.auditLog(r, "transient_delete", map[string]any{"key": key}, err)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "deleted"})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeJSON(w, 200, []audit.Entry{})
		return
	}
	entries, err := s.auditor.Recent(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, 200, entries)
}

// auditLog records a mutating admin call, successful or not. Request identity
// comes from the context so the trail lines up with the HTTP log.
func (s *Server) auditLog(r *http.Request, action string, params map[string]any, err error) {
	if s.auditor == nil {
		return
	}
	ctx := r.Context()
	e := &audit.Entry{
		Action:    action,
		Actor:     kit.GetActor(ctx),
		Transport: kit.GetTransport(ctx),
		RequestID: kit.GetRequestID(ctx),
	}
	if len(params) > 0 {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.auditor.LogAsync(e)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
