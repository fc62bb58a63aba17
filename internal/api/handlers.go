// Package api exposes HTTP handlers for the health sync service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/service"
)

// Handler coordinates HTTP requests with the service facade.
type Handler struct {
	service *service.Service
}

// NewHandler builds a Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{service: svc}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/integrations", h.integrations)
	mux.HandleFunc("/v1/integrations/", h.integrationByID)
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/v1/health/types", h.types)
	mux.HandleFunc("/v1/health/series", h.series)
	mux.HandleFunc("/v1/health/summary", h.summary)
	mux.HandleFunc("/v1/health/overview", h.overview)
	mux.HandleFunc("/v1/health/export", h.export)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) integrations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listIntegrations(w, r)
	case http.MethodPost:
		h.connectIntegration(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) integrationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/integrations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing integration id")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := authorize(w, r, true)
	if !ok {
		return
	}
	if err := h.service.Disconnect(r.Context(), claims.Subject, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listIntegrations(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}

	integrations, err := h.service.ListIntegrations(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := ListIntegrationsResponse{Items: make([]IntegrationView, 0, len(integrations))}
	for _, integ := range integrations {
		resp.Items = append(resp.Items, NewIntegrationView(integ))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) connectIntegration(w http.ResponseWriter, r *http.Request) {
	claims, ok := authorize(w, r, true)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	integ, err := h.service.Connect(r.Context(), req.input(claims.Subject, time.Now().UTC()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewIntegrationView(integ))
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, true)
	if !ok {
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if p := r.URL.Query().Get("provider"); p != "" {
		req.Providers = append(req.Providers, p)
	}

	in, err := req.input(claims.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	result, err := h.service.SyncUser(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSyncResponse(result))
}

// authorize resolves the caller. Reads accept health:read or health:write; writes need
// health:write.
func authorize(w http.ResponseWriter, r *http.Request, write bool) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if write && !claims.HasScope(auth.ScopeHealthWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeHealthWrite+" required")
		return nil, false
	}
	if !write && !claims.CanRead() {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeHealthRead+" required")
		return nil, false
	}
	return claims, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_failed", verr.Detail)
	case errors.Is(err, domain.ErrInvalidWindow), errors.Is(err, domain.ErrUnsupported):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", "user not found")
	case errors.Is(err, domain.ErrIntegrationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "integration not found")
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "record store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
