package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"yardops.org/internal/auth"
	"yardops.org/internal/permissions"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestEngine(t *testing.T) (*permissions.Engine, *permissions.Service) {
	t.Helper()
	store := permissions.NewInMemory()
	baseline, err := permissions.NewCasbinBaselineFromRules(
		[][]string{{"admin", "permissions", "manage"}},
		nil,
	)
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	svc, err := permissions.NewService(store)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	engine := permissions.NewEngine(
		permissions.WithBaseline(baseline),
		permissions.WithMaskingRules(store),
	)
	return engine, svc
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	t.Setenv("YARDOPS_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	engine, svc := newTestEngine(t)
	opts = append([]Option{WithDevTokens(time.Minute), WithRateLimit(0, 0), WithVersion("test")}, opts...)
	api := New(engine, svc, opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.doWithHeaders(method, path, body, token, nil)
}

func (c *apiClient) doWithHeaders(method, path string, body any, token string, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user, role string, extra map[string]any) string {
	c.t.Helper()
	body := map[string]any{"user": user, "role": role}
	for k, v := range extra {
		body[k] = v
	}
	resp := c.do(http.MethodPost, "/v1/auth/token", body, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthzIsPublic(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodGet, "/healthz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
	body := decode[map[string]any](t, resp)
	if body["service"] != serviceName || body["version"] != "test" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestReadyReportsDependencyFailure(t *testing.T) {
	api := newTestAPI(t, WithReadiness(failingReadiness{}))
	resp := api.do(http.MethodGet, "/readyz", nil, "")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestDecisionRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/check", map[string]any{"module": "inventory", "action": "read"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/check", map[string]any{"module": "inventory", "action": "read"}, "garbage")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestDevTokensDisabledByDefault(t *testing.T) {
	t.Setenv("YARDOPS_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	engine, svc := newTestEngine(t)
	srv := httptest.NewServer(New(engine, svc).Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/auth/token", "application/json", bytes.NewReader([]byte(`{"user":"u","role":"admin"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCheckFlowWithScopeAndConditions(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("root", "admin", nil)
	worker := api.obtainToken("u1", "mechanic", map[string]any{"department_id": "d1"})

	resp := api.do(http.MethodPost, "/v1/users/u1/capabilities", map[string]any{
		"module": "work_orders",
		"action": "update",
		"scope":  map[string]any{"type": "department_only"},
		"conditions": map[string]any{
			"conditions":   []any{map[string]any{"field": "status", "operator": "in", "value": []any{"open", "in_progress"}}},
			"combine_with": "AND",
		},
		"reason": "shift lead",
	}, admin)
	expectStatus(t, resp, http.StatusCreated)
	granted := decode[permissions.EnhancedCapability](t, resp)
	if granted.GrantedBy != "root" || granted.UserID != "u1" {
		t.Fatalf("unexpected grant: %+v", granted)
	}

	cases := []struct {
		name   string
		record map[string]any
		allow  bool
		reason permissions.Reason
	}{
		{"own department open", map[string]any{"department_id": "d1", "status": "open"}, true, permissions.ReasonAllowed},
		{"other department", map[string]any{"department_id": "d2", "status": "open"}, false, permissions.ReasonScopeDenied},
		{"closed order", map[string]any{"department_id": "d1", "status": "closed"}, false, permissions.ReasonConditionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.do(http.MethodPost, "/v1/check", map[string]any{
				"module": "work_orders",
				"action": "update",
				"record": tc.record,
			}, worker)
			expectStatus(t, resp, http.StatusOK)
			d := decode[permissions.Decision](t, resp)
			if d.Allowed != tc.allow || d.Reason != tc.reason {
				t.Fatalf("expected allowed=%v reason=%s, got %+v", tc.allow, tc.reason, d)
			}
		})
	}

	resp = api.do(http.MethodPost, "/v1/check", map[string]any{"module": "work_orders", "action": "delete"}, worker)
	expectStatus(t, resp, http.StatusOK)
	if d := decode[permissions.Decision](t, resp); d.Allowed || d.Reason != permissions.ReasonNoCapability {
		t.Fatalf("expected no_capability denial, got %+v", d)
	}
}

func TestCheckOnBehalfRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	worker := api.obtainToken("u1", "mechanic", nil)
	admin := api.obtainToken("root", "admin", nil)

	body := map[string]any{
		"module":  "permissions",
		"action":  "manage",
		"subject": map[string]any{"user_id": "u9", "role": "admin"},
	}
	resp := api.do(http.MethodPost, "/v1/check", body, worker)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/check", body, admin)
	expectStatus(t, resp, http.StatusOK)
	if d := decode[permissions.Decision](t, resp); !d.Allowed || d.Reason != permissions.ReasonBaselineGrant {
		t.Fatalf("expected baseline grant for u9, got %+v", d)
	}
}

func TestReadStripsHiddenFieldsAndMasks(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("root", "admin", nil)
	clerk := api.obtainToken("u1", "clerk", nil)

	resp := api.do(http.MethodPost, "/v1/masking-rules", map[string]any{
		"module":    "customers",
		"field":     "email",
		"mask_type": "email",
	}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/users/u1/capabilities", map[string]any{
		"module":            "customers",
		"action":            "read",
		"field_permissions": []any{map[string]any{"field": "notes", "access": "hidden"}},
	}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/read", map[string]any{
		"module": "customers",
		"record": map[string]any{"id": "c1", "email": "jane@example.com", "notes": "pays late"},
	}, clerk)
	expectStatus(t, resp, http.StatusOK)
	res := decode[permissions.ReadResult](t, resp)
	if _, ok := res.Record["notes"]; ok {
		t.Fatalf("hidden field leaked: %v", res.Record)
	}
	if res.Record["email"] != "j***@example.com" {
		t.Fatalf("expected masked email, got %v", res.Record["email"])
	}
	if len(res.MaskedFields) != 1 {
		t.Fatalf("expected one masked field, got %v", res.MaskedFields)
	}

	resp = api.do(http.MethodPost, "/v1/read", map[string]any{
		"module": "invoices",
		"record": map[string]any{"id": "i1"},
	}, clerk)
	expectStatus(t, resp, http.StatusForbidden)
	denied := decode[permissions.ReadResult](t, resp)
	if denied.Record != nil {
		t.Fatalf("denied read returned a record: %v", denied.Record)
	}
}

func TestFilterKeepsScopedRecords(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("root", "admin", nil)
	driver := api.obtainToken("u1", "driver", nil)

	resp := api.do(http.MethodPost, "/v1/users/u1/capabilities", map[string]any{
		"module": "trips",
		"action": "read",
		"scope":  map[string]any{"type": "assigned_only"},
	}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/filter", map[string]any{
		"module": "trips",
		"records": []any{
			map[string]any{"id": "t1", "assigned_to": "u1"},
			map[string]any{"id": "t2", "assigned_to": []any{"u2", "u1"}},
			map[string]any{"id": "t3", "assigned_to": "u2"},
		},
	}, driver)
	expectStatus(t, resp, http.StatusOK)
	out := decode[filterResponse](t, resp)
	if out.Total != 3 || out.Visible != 2 {
		t.Fatalf("expected 2 of 3 visible, got %+v", out)
	}
}

func TestMaskHonoursRoleExemption(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("root", "admin", nil)
	auditor := api.obtainToken("a1", "auditor", nil)
	clerk := api.obtainToken("u1", "clerk", nil)

	resp := api.do(http.MethodPost, "/v1/masking-rules", map[string]any{
		"module":           "employees",
		"field":            "salary",
		"mask_type":        "full",
		"visible_to_roles": []string{"auditor"},
	}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	body := map[string]any{"module": "employees", "record": map[string]any{"salary": 5200}}
	resp = api.do(http.MethodPost, "/v1/mask", body, clerk)
	expectStatus(t, resp, http.StatusOK)
	if out := decode[maskResponse](t, resp); out.Record["salary"] != "****" {
		t.Fatalf("expected masked salary, got %v", out.Record["salary"])
	}

	resp = api.do(http.MethodPost, "/v1/mask", body, auditor)
	expectStatus(t, resp, http.StatusOK)
	if out := decode[maskResponse](t, resp); out.Record["salary"] != float64(5200) {
		t.Fatalf("expected visible salary, got %v", out.Record["salary"])
	}
}

func TestCapabilityLifecycle(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("root", "admin", nil)
	worker := api.obtainToken("u1", "mechanic", nil)

	resp := api.do(http.MethodPost, "/v1/users/u1/capabilities", map[string]any{"module": "inventory", "action": "read"}, admin)
	expectStatus(t, resp, http.StatusCreated)
	c := decode[permissions.EnhancedCapability](t, resp)

	resp = api.do(http.MethodPatch, "/v1/capabilities/"+c.ID, map[string]any{
		"time_restrictions": map[string]any{"start_time": "25:00"},
	}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPatch, "/v1/capabilities/"+c.ID, map[string]any{
		"context_restrictions": map[string]any{"require_mfa": true},
	}, admin)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/check", map[string]any{"module": "inventory", "action": "read"}, worker)
	expectStatus(t, resp, http.StatusOK)
	if d := decode[permissions.Decision](t, resp); d.Allowed || d.Reason != permissions.ReasonContextRestricted {
		t.Fatalf("expected context restriction, got %+v", d)
	}

	resp = api.do(http.MethodGet, "/v1/users/u1/capabilities", nil, worker)
	expectStatus(t, resp, http.StatusOK)
	if list := decode[listResponse[permissions.EnhancedCapability]](t, resp); len(list.Items) != 1 {
		t.Fatalf("expected one capability, got %d", len(list.Items))
	}

	resp = api.do(http.MethodGet, "/v1/users/u2/capabilities", nil, worker)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/capabilities/"+c.ID, nil, admin)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/capabilities/"+c.ID, nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestTemplateApply(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("root", "admin", nil)
	worker := api.obtainToken("u2", "mechanic", nil)

	tpl := map[string]any{
		"name": "Yard mechanic",
		"capabilities": []any{
			map[string]any{"module": "work_orders", "action": "read"},
			map[string]any{"module": "inventory", "action": "read"},
		},
	}
	resp := api.do(http.MethodPost, "/v1/templates", tpl, admin)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[permissions.PermissionTemplate](t, resp)

	resp = api.do(http.MethodPost, "/v1/templates", tpl, admin)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/templates", tpl, worker)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/templates/"+created.ID+"/apply", map[string]any{"user_id": "u2"}, admin)
	expectStatus(t, resp, http.StatusOK)
	applied := decode[listResponse[permissions.EnhancedCapability]](t, resp)
	if len(applied.Items) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(applied.Items))
	}
	for _, c := range applied.Items {
		if c.TemplateID != created.ID {
			t.Fatalf("grant not linked to template: %+v", c)
		}
	}

	resp = api.do(http.MethodPost, "/v1/check", map[string]any{"module": "inventory", "action": "read"}, worker)
	expectStatus(t, resp, http.StatusOK)
	if d := decode[permissions.Decision](t, resp); !d.Allowed {
		t.Fatalf("expected template grant to allow, got %+v", d)
	}

	resp = api.do(http.MethodDelete, "/v1/templates/"+created.ID, nil, admin)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
}

func TestRejectsMalformedBodies(t *testing.T) {
	api := newTestAPI(t)
	worker := api.obtainToken("u1", "mechanic", nil)

	resp := api.do(http.MethodPost, "/v1/check", map[string]any{"module": "inventory", "action": "read", "bogus": 1}, worker)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/check", map[string]any{"action": "read"}, worker)
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[map[string]any](t, resp)
	if body["error"] != "module is required" || body["request_id"] == nil {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func grantYardBound(t *testing.T, api *apiClient, admin, user string) {
	t.Helper()
	resp := api.do(http.MethodPost, "/v1/users/"+user+"/capabilities", map[string]any{
		"module": "gate_logs",
		"action": "approve",
		"context_restrictions": map[string]any{
			"allowed_ip_ranges": []string{"10.0.0.0/8"},
			"allowed_yards":     []string{"Y1"},
		},
	}, admin)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

func TestCheckIgnoresSpoofedContextHeaders(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("root", "admin", nil)
	grantYardBound(t, api, admin, "u9")
	worker := api.obtainToken("u9", "gate_clerk", map[string]any{"yard_id": "Y9"})

	spoofed := map[string]string{"X-Forwarded-For": "10.1.2.3", "X-Yard-ID": "Y1"}
	resp := api.doWithHeaders(http.MethodPost, "/v1/check", map[string]any{
		"module": "gate_logs", "action": "approve",
	}, worker, spoofed)
	expectStatus(t, resp, http.StatusOK)
	if d := decode[permissions.Decision](t, resp); d.Allowed || d.Reason != permissions.ReasonContextRestricted {
		t.Fatalf("expected context_restricted for spoofed headers, got %+v", d)
	}

	// Only permissions.manage holders may state a context explicitly.
	resp = api.do(http.MethodPost, "/v1/check", map[string]any{
		"module": "gate_logs", "action": "approve",
		"context": map[string]any{"ip": "10.1.2.3", "yard_id": "Y1"},
	}, worker)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/check", map[string]any{
		"module": "gate_logs", "action": "approve",
		"subject": map[string]any{"user_id": "u9", "role": "gate_clerk", "yard_id": "Y1"},
		"context": map[string]any{"ip": "10.1.2.3", "yard_id": "Y1"},
	}, admin)
	expectStatus(t, resp, http.StatusOK)
	if d := decode[permissions.Decision](t, resp); !d.Allowed {
		t.Fatalf("expected admin-stated context to be honoured, got %+v", d)
	}
}

func TestCheckTrustsForwardedForFromConfiguredProxy(t *testing.T) {
	api := newTestAPI(t, WithTrustedProxies(netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128")))
	admin := api.obtainToken("root", "admin", nil)
	grantYardBound(t, api, admin, "u1")
	worker := api.obtainToken("u1", "gate_clerk", map[string]any{"yard_id": "Y1"})
	body := map[string]any{"module": "gate_logs", "action": "approve"}

	cases := []struct {
		name    string
		headers map[string]string
		allow   bool
	}{
		{"forwarded from yard network", map[string]string{"X-Forwarded-For": "10.1.2.3"}, true},
		{"proxy peer only", nil, false},
		{"rightmost untrusted hop wins", map[string]string{"X-Forwarded-For": "10.1.2.3, 203.0.113.9"}, false},
		{"garbage hop falls back to peer", map[string]string{"X-Forwarded-For": "not-an-ip"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.doWithHeaders(http.MethodPost, "/v1/check", body, worker, tc.headers)
			expectStatus(t, resp, http.StatusOK)
			d := decode[permissions.Decision](t, resp)
			if d.Allowed != tc.allow {
				t.Fatalf("expected allowed=%v, got %+v", tc.allow, d)
			}
			if !tc.allow && d.Reason != permissions.ReasonContextRestricted {
				t.Fatalf("expected context_restricted, got %s", d.Reason)
			}
		})
	}
}
