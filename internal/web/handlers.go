package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/noona-project/warden/internal/apperrors"
	"github.com/noona-project/warden/internal/catalog"
	"github.com/noona-project/warden/internal/engine"
	"github.com/noona-project/warden/internal/history"
	"github.com/noona-project/warden/internal/planner"
)

// ServiceView is the catalog entry shape returned by GET /services, per
// spec.md §6: a ServiceDescriptor plus its live installed status.
type ServiceView struct {
	Name           string           `json:"name"`
	Category       catalog.Category `json:"category"`
	Image          string           `json:"image"`
	Port           int              `json:"port,omitempty"`
	HostServiceURL string           `json:"hostServiceUrl,omitempty"`
	Description    string           `json:"description,omitempty"`
	Health         string           `json:"health,omitempty"`
	EnvConfig      []catalog.EnvVar `json:"envConfig,omitempty"`
	Required       bool             `json:"required"`
	Installed      bool             `json:"installed"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError classifies err against the apperrors taxonomy (spec.md §7)
// to pick an HTTP status code at the boundary.
func statusForError(err error) int {
	var validation *apperrors.ValidationError
	var conflict *apperrors.ConflictError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleServicesList implements GET /services?includeInstalled={bool}.
func (s *Server) handleServicesList(w http.ResponseWriter, r *http.Request) {
	includeInstalled := true
	if v := r.URL.Query().Get("includeInstalled"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			includeInstalled = parsed
		}
	}

	base := ""
	if s.deps.Config != nil {
		base = s.deps.Config.HostServiceBase()
	}

	descriptors := s.deps.Catalog.List()
	views := make([]ServiceView, 0, len(descriptors))
	partial := false
	for _, desc := range descriptors {
		installed := false
		if s.deps.Endpoint != nil {
			exists, err := s.deps.Endpoint.ContainerExists(r.Context(), desc.Name)
			if err != nil {
				partial = true
			} else {
				installed = exists
			}
		}
		if !includeInstalled && installed {
			continue
		}
		views = append(views, ServiceView{
			Name:           desc.Name,
			Category:       desc.Category,
			Image:          desc.Image,
			Port:           desc.Port,
			HostServiceURL: engine.HostServiceURL(desc, base),
			Description:    desc.Description,
			Health:         desc.HealthURL,
			EnvConfig:      desc.EnvConfig,
			Required:       desc.Required,
			Installed:      installed,
		})
	}

	status := http.StatusOK
	if partial {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"services": views})
}

// installRequestBody is the shared body shape for batch and single install.
type installRequestBody struct {
	Services []interface{}     `json:"services"`
	Env      map[string]string `json:"env"`
}

// handleInstallBatch implements POST /install.
func (s *Server) handleInstallBatch(w http.ResponseWriter, r *http.Request) {
	var body installRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	plan, err := planner.Plan(s.deps.Catalog, body.Services)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	s.streamInstall(w, r, func(ctx context.Context) error {
		return s.deps.Engine.Install(ctx, plan)
	})
}

// handleInstallOne implements POST /services/{name}/install. The name is
// planned like a one-entry batch, so the required services are installed
// first, in dependency order.
func (s *Server) handleInstallOne(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.deps.Catalog.Get(name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var body installRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	plan, err := planner.Plan(s.deps.Catalog, []interface{}{name})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	for k, v := range body.Env {
		plan.Overrides[name][k] = v
	}

	s.streamInstall(w, r, func(ctx context.Context) error {
		return s.deps.Engine.Install(ctx, plan)
	})
}

// decodeBody decodes a JSON request body, tolerating an empty one.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// handleServiceHistory implements GET /services/{name}/history?limit={n}.
func (s *Server) handleServiceHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := parseLimit(r)
	entries, summary := s.deps.History.GetHistory(name, limit)
	writeJSON(w, http.StatusOK, map[string]any{"service": name, "entries": entries, "summary": summary})
}

// handleInstallationLogs implements GET /installation/logs?limit={n}.
func (s *Server) handleInstallationLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	entries, summary := s.deps.History.GetHistory(history.InstallationService, limit)
	writeJSON(w, http.StatusOK, map[string]any{"service": history.InstallationService, "entries": entries, "summary": summary})
}

// parseLimit reads ?limit={n} from the query string, nil meaning
// "every retained entry" per spec.md's history contract.
func parseLimit(r *http.Request) *int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// handleHealthz implements GET /healthz -- the daemon's own liveness probe,
// distinct from HealthProber's per-service checks.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.deps.Ready != nil {
		ready = s.deps.Ready()
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
