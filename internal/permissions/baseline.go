package permissions

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Baseline answers role-level (module, action) grants that carry no
// granularity layers.
type Baseline interface {
	Allows(role, module, action string) bool
}

// DefaultBaselineModel is the casbin model used when no model file is configured.
// Roles may inherit from other roles through g rules.
const DefaultBaselineModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// CasbinBaseline evaluates baseline grants with a casbin enforcer.
type CasbinBaseline struct {
	enforcer *casbin.SyncedEnforcer
}

// NewCasbinBaseline loads a model and a CSV policy from disk. An empty
// modelPath selects DefaultBaselineModel.
func NewCasbinBaseline(modelPath, policyPath string) (*CasbinBaseline, error) {
	var params []any
	if strings.TrimSpace(modelPath) == "" {
		m, err := model.NewModelFromString(DefaultBaselineModel)
		if err != nil {
			return nil, fmt.Errorf("baseline model: %w", err)
		}
		params = append(params, m)
	} else {
		params = append(params, modelPath)
	}
	if strings.TrimSpace(policyPath) != "" {
		params = append(params, policyPath)
	}
	enforcer, err := casbin.NewSyncedEnforcer(params...)
	if err != nil {
		return nil, fmt.Errorf("baseline enforcer: %w", err)
	}
	return &CasbinBaseline{enforcer: enforcer}, nil
}

// NewCasbinBaselineFromRules builds an in-memory baseline. Each grant is
// {role, module, action}; each inheritance is {role, parent}.
func NewCasbinBaselineFromRules(grants [][]string, inheritance [][]string) (*CasbinBaseline, error) {
	m, err := model.NewModelFromString(DefaultBaselineModel)
	if err != nil {
		return nil, fmt.Errorf("baseline model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("baseline enforcer: %w", err)
	}
	for _, g := range grants {
		if len(g) != 3 {
			return nil, fmt.Errorf("%w: baseline grant needs role, module, action", ErrInvalidInput)
		}
		if _, err := enforcer.AddPolicy(normalizeRole(g[0]), strings.ToLower(strings.TrimSpace(g[1])), strings.ToLower(strings.TrimSpace(g[2]))); err != nil {
			return nil, err
		}
	}
	for _, g := range inheritance {
		if len(g) != 2 {
			return nil, fmt.Errorf("%w: baseline inheritance needs role and parent", ErrInvalidInput)
		}
		if _, err := enforcer.AddGroupingPolicy(normalizeRole(g[0]), normalizeRole(g[1])); err != nil {
			return nil, err
		}
	}
	return &CasbinBaseline{enforcer: enforcer}, nil
}

// Allows reports whether role holds a baseline grant for module/action.
// Enforcer errors deny.
func (b *CasbinBaseline) Allows(role, module, action string) bool {
	if b == nil || b.enforcer == nil {
		return false
	}
	role = normalizeRole(role)
	if role == "" {
		return false
	}
	ok, err := b.enforcer.Enforce(role, strings.ToLower(strings.TrimSpace(module)), strings.ToLower(strings.TrimSpace(action)))
	return err == nil && ok
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
