package httpapi

import (
	"net/http"
	"strings"
	"time"

	"grievdesk.org/internal/grievance"
)

type createGrievanceRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	SubmitterID string `json:"submitter_id"`
	AssigneeID  string `json:"assignee_id"`
}

type changeStatusRequest struct {
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

type grievanceView struct {
	grievance.Record
	Deadline       time.Time `json:"deadline"`
	Overdue        bool      `json:"overdue"`
	OverdueSeconds int64     `json:"overdue_seconds"`
}

type auditTrailResponse struct {
	GrievanceID string                 `json:"grievance_id"`
	Items       []grievance.AuditEntry `json:"items"`
}

func (a *API) view(rec grievance.Record) grievanceView {
	now := a.svc.Now()
	eval := a.svc.Evaluator()
	return grievanceView{
		Record:         rec,
		Deadline:       eval.Deadline(rec),
		Overdue:        eval.IsOverdue(rec, now),
		OverdueSeconds: int64(eval.OverdueBy(rec, now) / time.Second),
	}
}

func (a *API) handleGrievancesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGrievance(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleGrievanceResource serves /v1/grievances/{id}[/status|/audit].
func (a *API) handleGrievanceResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/grievances/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, sub, _ := strings.Cut(path, "/")

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getGrievance(w, r, id)
	case "status":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.changeStatus(w, r, id)
	case "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.auditTrail(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createGrievance(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeActorError(w, r, err)
		return
	}
	if actor.Role == grievance.RoleHandler {
		writeError(w, r, http.StatusForbidden, "handlers cannot file grievances")
		return
	}

	var req createGrievanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, r, http.StatusBadRequest, "title is required")
		return
	}
	if len(req.Title) > 200 {
		writeError(w, r, http.StatusBadRequest, "title too long")
		return
	}
	pr, err := grievance.ParsePriority(req.Priority)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	in := grievance.NewGrievance{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		SubmitterID: actor.ID,
		Priority:    pr,
	}
	// only admins file on behalf of someone else or pre-assign
	if actor.Role == grievance.RoleAdmin {
		if s := strings.TrimSpace(req.SubmitterID); s != "" {
			in.SubmitterID = s
		}
		in.AssigneeID = req.AssigneeID
	} else if req.AssigneeID != "" || (req.SubmitterID != "" && req.SubmitterID != actor.ID) {
		writeError(w, r, http.StatusForbidden, "only admins may set submitter_id or assignee_id")
		return
	}

	rec, err := a.svc.Create(r.Context(), in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/grievances/"+rec.ID)
	writeJSON(w, http.StatusCreated, a.view(rec))
}

// loadVisible reads a record and hides it from owners who did not file it.
func (a *API) loadVisible(w http.ResponseWriter, r *http.Request, id string) (grievance.Record, bool) {
	actor, err := actorFromRequest(r)
	if err != nil {
		writeActorError(w, r, err)
		return grievance.Record{}, false
	}
	rec, err := a.svc.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return grievance.Record{}, false
	}
	if actor.Role == grievance.RoleOwner && rec.SubmitterID != actor.ID {
		writeError(w, r, http.StatusNotFound, grievance.ErrNotFound.Error())
		return grievance.Record{}, false
	}
	return rec, true
}

func (a *API) getGrievance(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := a.loadVisible(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.view(rec))
}

func (a *API) changeStatus(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.loadVisible(w, r, id); !ok {
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		writeActorError(w, r, err)
		return
	}
	var req changeStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Version < 0 {
		writeError(w, r, http.StatusBadRequest, "version must be >= 0")
		return
	}
	status, err := grievance.ParseStatus(req.Status)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	rec, err := a.svc.ChangeStatus(r.Context(), grievance.ChangeStatusRequest{
		ID:              id,
		Status:          status,
		Actor:           actor,
		ExpectedVersion: req.Version,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(rec))
}

func (a *API) auditTrail(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.loadVisible(w, r, id); !ok {
		return
	}
	items, err := a.svc.AuditTrail(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []grievance.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditTrailResponse{GrievanceID: id, Items: items})
}
