package permissions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"yardops.org/internal/obs"
)

// DefaultSuperuserRoles bypass capability checks. Guard policies and masking still apply.
var DefaultSuperuserRoles = []string{"super_admin"}

// MaskingRuleLister supplies masking rules for a module; an empty module lists all.
type MaskingRuleLister interface {
	ListMaskingRules(ctx context.Context, module string) ([]DataMaskingRule, error)
}

// Engine evaluates permission requests. It holds no per-user state and is
// safe for concurrent use.
type Engine struct {
	baseline   Baseline
	guard      Guard
	masking    MaskingRuleLister
	superusers []string
	now        func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

func WithBaseline(b Baseline) EngineOption {
	return func(e *Engine) { e.baseline = b }
}

func WithGuard(g Guard) EngineOption {
	return func(e *Engine) { e.guard = g }
}

func WithMaskingRules(src MaskingRuleLister) EngineOption {
	return func(e *Engine) { e.masking = src }
}

// WithSuperuserRoles replaces DefaultSuperuserRoles. Passing no roles disables the bypass.
func WithSuperuserRoles(roles ...string) EngineOption {
	return func(e *Engine) {
		e.superusers = dedupeStrings(roles)
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		superusers: append([]string(nil), DefaultSuperuserRoles...),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check decides whether subject may perform req. Anything not explicitly
// granted is denied. The returned error is non-nil only for malformed
// requests and guard failures; the decision is a denial in both cases.
func (e *Engine) Check(ctx context.Context, subject Subject, req Request) (Decision, error) {
	d, err := e.decide(ctx, subject, req)
	obs.ObserveDecision(req.Module, req.Action, d.Allowed, string(d.Reason))
	if !d.Allowed {
		obs.Logger().DebugContext(ctx, "permission denied",
			"user_id", subject.UserID,
			"module", req.Module,
			"action", req.Action,
			"reason", string(d.Reason),
			"message", d.Message,
		)
	}
	return d, err
}

func (e *Engine) decide(ctx context.Context, subject Subject, req Request) (Decision, error) {
	req.Module = strings.TrimSpace(req.Module)
	req.Action = strings.TrimSpace(req.Action)
	if req.Module == "" || req.Action == "" {
		return deny(ReasonNoCapability, "module and action are required"), fmt.Errorf("%w: module and action are required", ErrInvalidInput)
	}
	if strings.TrimSpace(subject.UserID) == "" {
		return deny(ReasonUnauthenticated, "no authenticated subject"), nil
	}
	now := req.Context.Time
	if now.IsZero() {
		now = e.now()
	}

	if subject.hasRole(e.superusers) {
		return e.applyGuard(ctx, subject, req, Decision{Allowed: true, Reason: ReasonSuperuser}, now)
	}

	best := deny(ReasonNoCapability, fmt.Sprintf("no capability grants %s.%s", req.Module, req.Action))
	for i := range subject.Capabilities {
		c := &subject.Capabilities[i]
		if !c.Matches(req.Module, req.Action) {
			continue
		}
		d := e.evaluateCapability(c, subject, req, now)
		if d.Allowed {
			return e.applyGuard(ctx, subject, req, d, now)
		}
		if d.Reason.rank() > best.Reason.rank() {
			best = d
		}
	}

	if e.baseline != nil && e.baseline.Allows(subject.Role, req.Module, req.Action) {
		return e.applyGuard(ctx, subject, req, Decision{Allowed: true, Reason: ReasonBaselineGrant}, now)
	}
	return best, nil
}

// evaluateCapability runs the layers in order: expiry, time, context, scope,
// conditions, fields. Scope and conditions need a record; fields need a field list.
func (e *Engine) evaluateCapability(c *EnhancedCapability, subject Subject, req Request, now time.Time) Decision {
	if c.Expired(now) {
		d := deny(ReasonExpired, fmt.Sprintf("capability %s expired at %s", c.ID, c.ExpiresAt.UTC().Format(time.RFC3339)))
		d.CapabilityID = c.ID
		return d
	}
	withID := func(d Decision) Decision {
		d.CapabilityID = c.ID
		return d
	}
	if ok, err := EvaluateTime(c.TimeRestrictions, now); err != nil {
		return withID(deny(ReasonTimeRestricted, err.Error()))
	} else if !ok {
		return withID(deny(ReasonTimeRestricted, "outside the allowed time window"))
	}
	if ok, why := EvaluateContext(c.ContextRestrictions, req.Context); !ok {
		return withID(deny(ReasonContextRestricted, why))
	}
	if req.Record != nil {
		if ok, err := EvaluateScope(c.Scope, req.Record, subject); err != nil {
			return withID(deny(ReasonScopeDenied, err.Error()))
		} else if !ok {
			return withID(deny(ReasonScopeDenied, "record is outside the capability scope"))
		}
		if ok, err := evaluateRule(c.Conditions, req.Record, subject, now); err != nil {
			return withID(deny(ReasonConditionFailed, err.Error()))
		} else if !ok {
			return withID(deny(ReasonConditionFailed, "record does not satisfy the capability conditions"))
		}
	}
	if denied := EvaluateFields(c.FieldPermissions, req.Action, req.Fields); len(denied) > 0 {
		d := withID(deny(ReasonFieldDenied, "access to one or more fields is not permitted"))
		d.DeniedFields = denied
		return d
	}
	d := Decision{Allowed: true, Reason: ReasonAllowed, CapabilityID: c.ID}
	d.capability = c
	return d
}

func (e *Engine) applyGuard(ctx context.Context, subject Subject, req Request, d Decision, now time.Time) (Decision, error) {
	if e.guard == nil {
		return d, nil
	}
	msgs, err := e.guard.Evaluate(ctx, newGuardInput(subject, req, d.capability, d.Reason, now))
	if err != nil {
		return deny(ReasonPolicyError, "guard policy evaluation failed"), err
	}
	if len(msgs) > 0 {
		out := deny(ReasonPolicyDenied, strings.Join(msgs, "; "))
		out.PolicyViolations = msgs
		out.CapabilityID = d.CapabilityID
		return out, nil
	}
	return d, nil
}

// ReadResult is a permitted record after field stripping and masking.
type ReadResult struct {
	Decision     Decision       `json:"decision"`
	Record       map[string]any `json:"record,omitempty"`
	MaskedFields []MaskedField  `json:"masked_fields,omitempty"`
}

// Read checks req, then removes hidden fields, then masks. A denied read returns no record.
func (e *Engine) Read(ctx context.Context, subject Subject, req Request) (ReadResult, error) {
	d, err := e.Check(ctx, subject, req)
	if err != nil || !d.Allowed {
		return ReadResult{Decision: d}, err
	}
	record := req.Record
	if c := d.Capability(); c != nil {
		record = StripHiddenFields(c.FieldPermissions, record)
	}
	masked, fields, err := e.Mask(ctx, subject, req.Module, record)
	if err != nil {
		return ReadResult{Decision: d}, err
	}
	return ReadResult{Decision: d, Record: masked, MaskedFields: fields}, nil
}

// FilterRecords keeps the records subject may act on and returns them masked.
func (e *Engine) FilterRecords(ctx context.Context, subject Subject, module, action string, records []map[string]any, ac AccessContext) ([]map[string]any, error) {
	rules, err := e.rulesFor(ctx, module)
	if err != nil {
		return nil, err
	}
	now := ac.Time
	if now.IsZero() {
		now = e.now()
	}
	holds := e.baselineHolds(subject)
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		d, err := e.decide(ctx, subject, Request{Module: module, Action: action, Record: rec, Context: ac})
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			continue
		}
		if c := d.Capability(); c != nil {
			rec = StripHiddenFields(c.FieldPermissions, rec)
		}
		masked, fields := MaskRecord(rec, module, rules, subject, now, holds)
		for _, f := range fields {
			obs.ObserveMask(module, string(f.MaskType))
		}
		out = append(out, masked)
	}
	return out, nil
}

// Mask applies the module's masking rules to record for subject.
func (e *Engine) Mask(ctx context.Context, subject Subject, module string, record map[string]any) (map[string]any, []MaskedField, error) {
	rules, err := e.rulesFor(ctx, module)
	if err != nil {
		return nil, nil, err
	}
	masked, fields := MaskRecord(record, module, rules, subject, e.now(), e.baselineHolds(subject))
	for _, f := range fields {
		obs.ObserveMask(module, string(f.MaskType))
	}
	return masked, fields, nil
}

func (e *Engine) rulesFor(ctx context.Context, module string) ([]DataMaskingRule, error) {
	if e.masking == nil {
		return nil, nil
	}
	rules, err := e.masking.ListMaskingRules(ctx, strings.TrimSpace(module))
	if err != nil {
		return nil, fmt.Errorf("load masking rules: %w", err)
	}
	return rules, nil
}

func (e *Engine) baselineHolds(subject Subject) func(module, action string) bool {
	if e.baseline == nil {
		return nil
	}
	return func(module, action string) bool {
		return e.baseline.Allows(subject.Role, module, action)
	}
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
