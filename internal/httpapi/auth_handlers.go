package httpapi

import (
	"net/http"
	"strings"
	"time"

	"yardops.org/internal/audit"
	"yardops.org/internal/auth"
)

type tokenRequest struct {
	User         string `json:"user"`
	Role         string `json:"role"`
	YardID       string `json:"yard_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	MFA          bool   `json:"mfa,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken signs a token for any identity. Registered only when dev
// tokens are enabled.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		writeError(w, r, http.StatusBadRequest, "role is required")
		return
	}

	id := auth.Identity{
		UserID:       user,
		Role:         role,
		YardID:       req.YardID,
		DepartmentID: req.DepartmentID,
		MFA:          req.MFA,
	}
	token, expiresAt, err := auth.GenerateToken(id, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"role":       strings.ToLower(role),
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
