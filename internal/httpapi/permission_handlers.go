package httpapi

import (
	"net/http"
	"strings"

	"yardops.org/internal/audit"
	"yardops.org/internal/auth"
	"yardops.org/internal/obs"
	"yardops.org/internal/permissions"
)

// subjectInput names another user to evaluate. Admin only.
type subjectInput struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	YardID       string `json:"yard_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

type decisionRequest struct {
	Module  string                     `json:"module"`
	Action  string                     `json:"action"`
	Record  map[string]any             `json:"record,omitempty"`
	Records []map[string]any           `json:"records,omitempty"`
	Fields  []string                   `json:"fields,omitempty"`
	Subject *subjectInput              `json:"subject,omitempty"`
	Context *permissions.AccessContext `json:"context,omitempty"`
}

type filterResponse struct {
	Items   []map[string]any `json:"items"`
	Total   int              `json:"total"`
	Visible int              `json:"visible"`
}

type maskResponse struct {
	Record       map[string]any            `json:"record"`
	MaskedFields []permissions.MaskedField `json:"masked_fields,omitempty"`
}

// resolve decodes the request and works out whom it is evaluated for. A
// caller may only name another subject or supply its own access context
// when it holds permissions.manage.
func (a *API) resolve(w http.ResponseWriter, r *http.Request) (decisionRequest, permissions.Subject, permissions.AccessContext, bool) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return req, permissions.Subject{}, permissions.AccessContext{}, false
	}
	req.Module = strings.TrimSpace(req.Module)
	req.Action = strings.TrimSpace(req.Action)
	if req.Module == "" {
		writeError(w, r, http.StatusBadRequest, "module is required")
		return req, permissions.Subject{}, permissions.AccessContext{}, false
	}

	id, subject, ok := a.caller(w, r)
	if !ok {
		return req, permissions.Subject{}, permissions.AccessContext{}, false
	}
	ac := accessContext(r, id)
	if req.Subject == nil && req.Context == nil {
		return req, subject, ac, true
	}

	if !a.isAdmin(w, r, id, subject) {
		return req, permissions.Subject{}, permissions.AccessContext{}, false
	}
	if req.Context != nil {
		ac = *req.Context
	}
	if req.Subject != nil {
		other, err := a.service.LoadSubject(r.Context(), permissions.Subject{
			UserID:       strings.TrimSpace(req.Subject.UserID),
			Role:         strings.ToLower(strings.TrimSpace(req.Subject.Role)),
			YardID:       strings.TrimSpace(req.Subject.YardID),
			DepartmentID: strings.TrimSpace(req.Subject.DepartmentID),
		})
		if err != nil {
			handleServiceError(w, r, err)
			return req, permissions.Subject{}, permissions.AccessContext{}, false
		}
		subject = other
	}
	return req, subject, ac, true
}

func (a *API) isAdmin(w http.ResponseWriter, r *http.Request, id auth.Identity, subject permissions.Subject) bool {
	d, err := a.engine.Check(r.Context(), subject, permissions.Request{
		Module:  adminModule,
		Action:  adminAction,
		Context: accessContext(r, id),
	})
	if err != nil && d.Reason != permissions.ReasonPolicyError {
		handleServiceError(w, r, err)
		return false
	}
	if !d.Allowed {
		_ = audit.LogEvent(r.Context(), "permissions.admin.denied", map[string]any{
			"path":   r.URL.Path,
			"reason": string(d.Reason),
		})
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":      "forbidden",
			"reason":     d.Reason,
			"request_id": RequestIDFromContext(r.Context()),
		})
		return false
	}
	return true
}

// decisionFailed handles the error half of an engine call. Guard failures
// still carry a usable denial, so they are logged and the decision is returned.
func decisionFailed(w http.ResponseWriter, r *http.Request, d permissions.Decision, err error) bool {
	if err == nil {
		return false
	}
	if d.Reason == permissions.ReasonPolicyError {
		obs.Logger().ErrorContext(r.Context(), "guard evaluation failed",
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		return false
	}
	handleServiceError(w, r, err)
	return true
}

func auditDenial(r *http.Request, subject permissions.Subject, module, action string, d permissions.Decision) {
	if d.Allowed {
		return
	}
	_ = audit.LogEvent(r.Context(), "permission.denied", map[string]any{
		"subject":       subject.UserID,
		"module":        module,
		"action":        action,
		"reason":        string(d.Reason),
		"capability_id": d.CapabilityID,
	})
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	req, subject, ac, ok := a.resolve(w, r)
	if !ok {
		return
	}
	if req.Action == "" {
		writeError(w, r, http.StatusBadRequest, "action is required")
		return
	}
	d, err := a.engine.Check(r.Context(), subject, permissions.Request{
		Module:  req.Module,
		Action:  req.Action,
		Record:  req.Record,
		Fields:  req.Fields,
		Context: ac,
	})
	if decisionFailed(w, r, d, err) {
		return
	}
	auditDenial(r, subject, req.Module, req.Action, d)
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleRead(w http.ResponseWriter, r *http.Request) {
	req, subject, ac, ok := a.resolve(w, r)
	if !ok {
		return
	}
	if req.Action == "" {
		req.Action = "read"
	}
	if req.Record == nil {
		writeError(w, r, http.StatusBadRequest, "record is required")
		return
	}
	res, err := a.engine.Read(r.Context(), subject, permissions.Request{
		Module:  req.Module,
		Action:  req.Action,
		Record:  req.Record,
		Fields:  req.Fields,
		Context: ac,
	})
	if decisionFailed(w, r, res.Decision, err) {
		return
	}
	if !res.Decision.Allowed {
		auditDenial(r, subject, req.Module, req.Action, res.Decision)
		writeJSON(w, http.StatusForbidden, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleFilter(w http.ResponseWriter, r *http.Request) {
	req, subject, ac, ok := a.resolve(w, r)
	if !ok {
		return
	}
	if req.Action == "" {
		req.Action = "read"
	}
	items, err := a.engine.FilterRecords(r.Context(), subject, req.Module, req.Action, req.Records, ac)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, filterResponse{
		Items:   items,
		Total:   len(req.Records),
		Visible: len(items),
	})
}

func (a *API) handleMask(w http.ResponseWriter, r *http.Request) {
	req, subject, _, ok := a.resolve(w, r)
	if !ok {
		return
	}
	if req.Record == nil {
		writeError(w, r, http.StatusBadRequest, "record is required")
		return
	}
	masked, fields, err := a.engine.Mask(r.Context(), subject, req.Module, req.Record)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, maskResponse{Record: masked, MaskedFields: fields})
}
