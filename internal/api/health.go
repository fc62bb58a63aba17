package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/service"
)

func (h *Handler) types(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}

	types, err := h.service.ListTypes(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := TypesResponse{Types: make([]string, 0, len(types))}
	for _, dt := range types {
		resp.Types = append(resp.Types, string(dt))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) series(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := service.SeriesRequest{
		UserID:   claims.Subject,
		DataType: domain.DataType(q.Get("type")),
	}
	if raw := q.Get("provider"); raw != "" {
		p, err := domain.ParseProvider(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		req.Provider = p
	}
	var err error
	if req.Start, err = dateParam(q, "start"); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if req.End, err = dateParam(q, "end"); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	view, err := h.service.Series(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSeriesResponse(view))
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}

	days := service.DefaultSummaryDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "days must be a positive integer")
			return
		}
		days = parsed
	}

	entries, err := h.service.Summary(r.Context(), claims.Subject, days)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, NewSummaryResponse(days, entries))
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}

	ov, err := h.service.Overview(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := OverviewResponse{
		TotalRecords: ov.TotalRecords,
		Earliest:     ov.Earliest,
		Latest:       ov.Latest,
		Coverage:     make([]CoverageView, 0, len(ov.Coverage)),
	}
	for _, c := range ov.Coverage {
		resp.Coverage = append(resp.Coverage, CoverageView{
			Provider: string(c.Provider),
			DataType: string(c.DataType),
			Count:    c.Count,
			Earliest: c.Earliest,
			Latest:   c.Latest,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, false)
	if !ok {
		return
	}

	export, err := h.service.Export(r.Context(), claims.Subject)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := ExportResponse{
		UserID:       export.UserID,
		ExportedAt:   export.ExportedAt,
		Integrations: make([]IntegrationView, 0, len(export.Integrations)),
		Records:      toRecordViews(export.Records),
	}
	for _, integ := range export.Integrations {
		resp.Integrations = append(resp.Integrations, NewIntegrationView(integ))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="healthsync-export-%s.json"`, export.ExportedAt.Format(domain.DateLayout)))
	writeJSON(w, http.StatusOK, resp)
}

func dateParam(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}
