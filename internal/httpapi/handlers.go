package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"yardops.org/internal/obs"
	"yardops.org/internal/permissions"
)

const serviceName = "yardops-permissions"

// Pinger is a dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings every configured dependency.
type ReadyProbe struct {
	Deps []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, d := range rp.Deps {
		if d == nil {
			continue
		}
		if err := d.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer over the permission engine and its admin service.
type API struct {
	mux        *http.ServeMux
	engine     *permissions.Engine
	service    *permissions.Service
	readyProbe readinessChecker
	version    string

	devTokens   bool
	tokenTTL    time.Duration
	corsOrigins []string
	rateBurst   int
	ratePerSec  float64
	maxBody     int64
	proxies     []netip.Prefix
}

type Option func(*API)

func WithReadiness(rc readinessChecker) Option {
	return func(a *API) {
		if rc != nil {
			a.readyProbe = rc
		}
	}
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithDevTokens exposes POST /v1/auth/token, which signs arbitrary identities.
func WithDevTokens(ttl time.Duration) Option {
	return func(a *API) {
		a.devTokens = true
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is believed.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.proxies = prefixes }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(engine *permissions.Engine, service *permissions.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		engine:     engine,
		service:    service,
		readyProbe: ReadyProbe{},
		version:    "dev",
		tokenTTL:   15 * time.Minute,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	if a.devTokens {
		a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	}

	// decisions
	a.mux.HandleFunc("POST /v1/check", a.handleCheck)
	a.mux.HandleFunc("POST /v1/read", a.handleRead)
	a.mux.HandleFunc("POST /v1/filter", a.handleFilter)
	a.mux.HandleFunc("POST /v1/mask", a.handleMask)

	// administration
	a.mux.HandleFunc("GET /v1/users/{id}/capabilities", a.listUserCapabilities)
	a.mux.HandleFunc("POST /v1/users/{id}/capabilities", a.grantCapability)
	a.mux.HandleFunc("GET /v1/capabilities/{id}", a.getCapability)
	a.mux.HandleFunc("PATCH /v1/capabilities/{id}", a.updateCapability)
	a.mux.HandleFunc("DELETE /v1/capabilities/{id}", a.revokeCapability)

	a.mux.HandleFunc("GET /v1/templates", a.listTemplates)
	a.mux.HandleFunc("POST /v1/templates", a.createTemplate)
	a.mux.HandleFunc("GET /v1/templates/{id}", a.getTemplate)
	a.mux.HandleFunc("PUT /v1/templates/{id}", a.updateTemplate)
	a.mux.HandleFunc("DELETE /v1/templates/{id}", a.deleteTemplate)
	a.mux.HandleFunc("POST /v1/templates/{id}/apply", a.applyTemplate)

	a.mux.HandleFunc("GET /v1/masking-rules", a.listMaskingRules)
	a.mux.HandleFunc("POST /v1/masking-rules", a.createMaskingRule)
	a.mux.HandleFunc("GET /v1/masking-rules/{id}", a.getMaskingRule)
	a.mux.HandleFunc("PUT /v1/masking-rules/{id}", a.updateMaskingRule)
	a.mux.HandleFunc("DELETE /v1/masking-rules/{id}", a.deleteMaskingRule)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RealIP(h, a.proxies)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, permissions.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, trimSentinel(err))
	case errors.Is(err, permissions.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, permissions.ErrConflict):
		writeError(w, r, http.StatusConflict, trimSentinel(err))
	case errors.Is(err, permissions.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "forbidden")
	default:
		obs.Logger().ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// trimSentinel drops the package prefix from wrapped sentinel messages.
func trimSentinel(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 && strings.HasPrefix(msg, "permissions:") {
		rest := msg[i+2:]
		if j := strings.Index(rest, ": "); j >= 0 {
			return rest[j+2:]
		}
		return rest
	}
	return msg
}
