package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"yardops.org/internal/audit"
	"yardops.org/internal/auth"
	"yardops.org/internal/permissions"
)

type grantRequest struct {
	permissions.CapabilitySpec
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type applyTemplateRequest struct {
	UserID    string                `json:"user_id"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
	Mode      permissions.ApplyMode `json:"mode,omitempty"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func items[T any](v []T) listResponse[T] {
	if v == nil {
		v = []T{}
	}
	return listResponse[T]{Items: v}
}

// --- capabilities ---

// listUserCapabilities is open to the user themself; anyone else needs permissions.manage.
func (a *API) listUserCapabilities(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("id"))
	if id, ok := auth.IdentityFromContext(r.Context()); !ok || id.UserID != userID {
		if _, ok := a.requireAdmin(w, r); !ok {
			return
		}
	}
	includeExpired := false
	if raw := r.URL.Query().Get("include_expired"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "include_expired must be a boolean")
			return
		}
		includeExpired = v
	}
	caps, err := a.service.ListUserCapabilities(r.Context(), userID, includeExpired)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(caps))
}

func (a *API) grantCapability(w http.ResponseWriter, r *http.Request) {
	admin, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.service.GrantCapability(r.Context(), admin.UserID, permissions.Grant{
		UserID:         r.PathValue("id"),
		CapabilitySpec: req.CapabilitySpec,
		ExpiresAt:      req.ExpiresAt,
		Reason:         req.Reason,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "capability.granted", map[string]any{
		"capability_id": c.ID,
		"subject":       c.UserID,
		"capability":    c.Key(),
		"expires_at":    c.ExpiresAt,
	})
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) getCapability(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	c, err := a.service.GetCapability(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) updateCapability(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	var upd permissions.CapabilityUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.service.UpdateCapability(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "capability.updated", map[string]any{
		"capability_id": c.ID,
		"subject":       c.UserID,
		"capability":    c.Key(),
		"cleared":       upd.Clear,
	})
	writeJSON(w, http.StatusOK, c)
}

func (a *API) revokeCapability(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	c, err := a.service.RevokeCapability(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "capability.revoked", map[string]any{
		"capability_id": c.ID,
		"subject":       c.UserID,
		"capability":    c.Key(),
	})
	writeJSON(w, http.StatusOK, c)
}

// --- templates ---

func (a *API) listTemplates(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	list, err := a.service.ListTemplates(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (a *API) createTemplate(w http.ResponseWriter, r *http.Request) {
	admin, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var in permissions.TemplateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.service.CreateTemplate(r.Context(), admin.UserID, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "template.created", map[string]any{
		"template_id":  t.ID,
		"name":         t.Name,
		"capabilities": len(t.Capabilities),
	})
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) getTemplate(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	t, err := a.service.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) updateTemplate(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	var in permissions.TemplateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	t, err := a.service.UpdateTemplate(r.Context(), r.PathValue("id"), in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "template.updated", map[string]any{
		"template_id":  t.ID,
		"name":         t.Name,
		"capabilities": len(t.Capabilities),
	})
	writeJSON(w, http.StatusOK, t)
}

func (a *API) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.service.DeleteTemplate(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "template.deleted", map[string]any{"template_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) applyTemplate(w http.ResponseWriter, r *http.Request) {
	admin, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req applyTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	templateID := r.PathValue("id")
	caps, err := a.service.ApplyTemplate(r.Context(), permissions.ApplyTemplateInput{
		TemplateID: templateID,
		UserID:     req.UserID,
		GrantedBy:  admin.UserID,
		ExpiresAt:  req.ExpiresAt,
		Mode:       req.Mode,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "template.applied", map[string]any{
		"template_id": templateID,
		"subject":     req.UserID,
		"mode":        req.Mode,
		"grants":      len(caps),
	})
	writeJSON(w, http.StatusOK, items(caps))
}

// --- masking rules ---

func (a *API) listMaskingRules(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	rules, err := a.service.ListMaskingRules(r.Context(), r.URL.Query().Get("module"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(rules))
}

func (a *API) createMaskingRule(w http.ResponseWriter, r *http.Request) {
	admin, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var in permissions.MaskingRuleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := a.service.CreateMaskingRule(r.Context(), admin.UserID, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "masking_rule.created", map[string]any{
		"rule_id":   rule.ID,
		"module":    rule.Module,
		"field":     rule.Field,
		"mask_type": string(rule.MaskType),
	})
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) getMaskingRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	rule, err := a.service.GetMaskingRule(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) updateMaskingRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	var in permissions.MaskingRuleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := a.service.UpdateMaskingRule(r.Context(), r.PathValue("id"), in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "masking_rule.updated", map[string]any{
		"rule_id":   rule.ID,
		"module":    rule.Module,
		"field":     rule.Field,
		"mask_type": string(rule.MaskType),
	})
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) deleteMaskingRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.service.DeleteMaskingRule(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "masking_rule.deleted", map[string]any{"rule_id": id})
	w.WriteHeader(http.StatusNoContent)
}
