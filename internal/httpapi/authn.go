package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"yardops.org/internal/auth"
	"yardops.org/internal/permissions"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	adminModule = "permissions"
	adminAction = "manage"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				unauthorized(w, r, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), claims.Identity())
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="yardops"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

// caller loads the authenticated identity and its capabilities. It writes
// the error response itself and reports false when the request must stop.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (auth.Identity, permissions.Subject, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return auth.Identity{}, permissions.Subject{}, false
	}
	subject, err := a.service.LoadSubject(r.Context(), subjectFor(id))
	if err != nil {
		handleServiceError(w, r, err)
		return auth.Identity{}, permissions.Subject{}, false
	}
	return id, subject, true
}

// requireAdmin lets the request through when the caller passes
// permissions.manage under the full engine, guard included.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, subject, ok := a.caller(w, r)
	if !ok || !a.isAdmin(w, r, id, subject) {
		return auth.Identity{}, false
	}
	return id, true
}

func subjectFor(id auth.Identity) permissions.Subject {
	return permissions.Subject{
		UserID:       id.UserID,
		Role:         id.Role,
		YardID:       id.YardID,
		DepartmentID: id.DepartmentID,
	}
}

// accessContext derives where the request comes from. Yard and MFA come from
// the signed token and the IP from the resolved peer; callers that need a
// different context must hold permissions.manage and send it in the body.
func accessContext(r *http.Request, id auth.Identity) permissions.AccessContext {
	return permissions.AccessContext{
		IP:          clientIP(r),
		DeviceType:  strings.ToLower(strings.TrimSpace(r.Header.Get("X-Device-Type"))),
		MFAVerified: id.MFA,
		YardID:      id.YardID,
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
