package httpapi

import (
	"net/http"
	"strings"
	"time"

	"grievdesk.org/internal/grievance"
)

type reprioritizeRequest struct {
	Priority string `json:"priority"`
	Version  int64  `json:"version"`
}

type assignRequest struct {
	AssigneeID string `json:"assignee_id"`
	Version    int64  `json:"version"`
}

type escalationsResponse struct {
	Items []grievance.EscalationItem `json:"items"`
	AsOf  time.Time                  `json:"as_of"`
}

type auditResponse struct {
	Items []grievance.AuditEntry `json:"items"`
	Limit int                    `json:"limit"`
}

// handleAdminGrievance serves /v1/admin/grievances/{id}/priority|assignee.
func (a *API) handleAdminGrievance(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/grievances/"), "/")
	id, sub, _ := strings.Cut(path, "/")
	if id == "" || (sub != "priority" && sub != "assignee") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		writeActorError(w, r, err)
		return
	}

	var rec grievance.Record
	switch sub {
	case "priority":
		var req reprioritizeRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Priority) == "" {
			writeError(w, r, http.StatusBadRequest, "priority is required")
			return
		}
		pr, perr := grievance.ParsePriority(req.Priority)
		if perr != nil {
			handleServiceError(w, r, perr)
			return
		}
		rec, err = a.svc.Reprioritize(r.Context(), id, pr, actor, req.Version)
	case "assignee":
		var req assignRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err = a.svc.Assign(r.Context(), id, req.AssigneeID, actor, req.Version)
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(rec))
}

func (a *API) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := a.svc.ListEscalated(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, escalationsResponse{Items: items, AsOf: a.svc.Now()})
}

func (a *API) handleManualEscalation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/escalations/manual/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		writeActorError(w, r, err)
		return
	}
	rec, err := a.svc.EscalateManually(r.Context(), id, actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(rec))
}

func (a *API) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.RecentAudit(r.Context(), limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []grievance.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Items: items, Limit: limit})
}
