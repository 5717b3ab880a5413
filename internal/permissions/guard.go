package permissions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
)

// GuardQuery is the rego query a guard policy must define. It yields a set of
// denial messages; an empty or undefined set lets the decision stand.
const GuardQuery = "data.yardops.guard.deny"

// Guard can veto a decision the capability layers allowed.
type Guard interface {
	Evaluate(ctx context.Context, input GuardInput) ([]string, error)
}

// GuardInput is the document exposed to guard policies as `input`.
type GuardInput struct {
	Subject    GuardSubject `json:"subject"`
	Request    GuardRequest `json:"request"`
	Capability *GuardGrant  `json:"capability,omitempty"`
	Reason     Reason       `json:"reason"`
}

type GuardSubject struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	YardID       string `json:"yard_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

type GuardRequest struct {
	Module  string         `json:"module"`
	Action  string         `json:"action"`
	Record  map[string]any `json:"record,omitempty"`
	Fields  []string       `json:"fields,omitempty"`
	Context GuardContext   `json:"context"`
}

type GuardContext struct {
	IP          string `json:"ip,omitempty"`
	DeviceType  string `json:"device_type,omitempty"`
	MFAVerified bool   `json:"mfa_verified"`
	YardID      string `json:"yard_id,omitempty"`
	Time        string `json:"time"`
	Weekday     int    `json:"weekday"`
	Hour        int    `json:"hour"`
}

type GuardGrant struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	Action string `json:"action"`
}

// RegoGuard evaluates guard policies written in Rego.
type RegoGuard struct {
	query rego.PreparedEvalQuery
}

// NewRegoGuard prepares a guard from in-memory modules keyed by file name.
func NewRegoGuard(ctx context.Context, modules map[string]string) (*RegoGuard, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: guard needs at least one policy module", ErrInvalidInput)
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	opts := []func(*rego.Rego){rego.Query(GuardQuery)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}
	return prepareGuard(ctx, opts)
}

// LoadRegoGuard prepares a guard from .rego files under the given paths.
func LoadRegoGuard(ctx context.Context, paths ...string) (*RegoGuard, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: guard needs at least one policy path", ErrInvalidInput)
	}
	return prepareGuard(ctx, []func(*rego.Rego){
		rego.Query(GuardQuery),
		rego.Load(paths, nil),
	})
}

func prepareGuard(ctx context.Context, opts []func(*rego.Rego)) (*RegoGuard, error) {
	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare guard policy: %w", err)
	}
	return &RegoGuard{query: pq}, nil
}

// Evaluate returns the sorted denial messages produced for input.
func (g *RegoGuard) Evaluate(ctx context.Context, input GuardInput) ([]string, error) {
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("guard evaluation: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	raw, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("guard evaluation: unexpected result type %T", results[0].Expressions[0].Value)
	}
	msgs := make([]string, 0, len(raw))
	for _, v := range raw {
		msg := strings.TrimSpace(stringify(v))
		if msg != "" {
			msgs = append(msgs, msg)
		}
	}
	sort.Strings(msgs)
	return msgs, nil
}

func newGuardInput(subject Subject, req Request, grant *EnhancedCapability, reason Reason, now time.Time) GuardInput {
	in := GuardInput{
		Subject: GuardSubject{
			ID:           subject.UserID,
			Role:         subject.Role,
			YardID:       subject.YardID,
			DepartmentID: subject.DepartmentID,
		},
		Request: GuardRequest{
			Module: req.Module,
			Action: req.Action,
			Record: req.Record,
			Fields: req.Fields,
			Context: GuardContext{
				IP:          req.Context.IP,
				DeviceType:  req.Context.DeviceType,
				MFAVerified: req.Context.MFAVerified,
				YardID:      req.Context.YardID,
				Time:        now.UTC().Format(time.RFC3339),
				Weekday:     int(now.UTC().Weekday()),
				Hour:        now.UTC().Hour(),
			},
		},
		Reason: reason,
	}
	if grant != nil {
		in.Capability = &GuardGrant{ID: grant.ID, Module: grant.Module, Action: grant.Action}
	}
	return in
}
