package permissions

import (
	"fmt"
	"strings"
)

var (
	validScopes = map[ScopeType]struct{}{
		ScopeAll: {}, ScopeOwn: {}, ScopeYard: {}, ScopeDepartment: {}, ScopeAssigned: {}, ScopeCustom: {},
	}
	validFieldAccess = map[FieldAccess]struct{}{
		FieldRead: {}, FieldWrite: {}, FieldHidden: {},
	}
	validMaskTypes = map[MaskType]struct{}{
		MaskFull: {}, MaskPartial: {}, MaskEmail: {}, MaskPhone: {}, MaskLast4: {},
		MaskHash: {}, MaskRedact: {}, MaskNone: {},
	}
)

// NormalizeSpec trims and lower-cases identifiers and validates every layer.
func NormalizeSpec(spec CapabilitySpec) (CapabilitySpec, error) {
	spec.Module = strings.ToLower(strings.TrimSpace(spec.Module))
	spec.Action = strings.ToLower(strings.TrimSpace(spec.Action))
	if spec.Module == "" || spec.Action == "" {
		return CapabilitySpec{}, fmt.Errorf("%w: module and action are required", ErrInvalidInput)
	}
	if spec.Scope != nil {
		scope := *spec.Scope
		scope.Type = ScopeType(strings.ToLower(strings.TrimSpace(string(scope.Type))))
		scope.Field = strings.TrimSpace(scope.Field)
		scope.Filter = strings.TrimSpace(scope.Filter)
		if err := ValidateScope(scope); err != nil {
			return CapabilitySpec{}, err
		}
		spec.Scope = &scope
	}
	if len(spec.FieldPermissions) > 0 {
		perms := make([]FieldPermission, 0, len(spec.FieldPermissions))
		seen := make(map[string]struct{}, len(spec.FieldPermissions))
		for _, p := range spec.FieldPermissions {
			p.Field = strings.TrimSpace(p.Field)
			p.Access = FieldAccess(strings.ToLower(strings.TrimSpace(string(p.Access))))
			if p.Field == "" {
				return CapabilitySpec{}, fmt.Errorf("%w: field permission requires a field", ErrInvalidInput)
			}
			if _, ok := validFieldAccess[p.Access]; !ok {
				return CapabilitySpec{}, fmt.Errorf("%w: unsupported field access %q", ErrInvalidInput, p.Access)
			}
			if _, dup := seen[p.Field]; dup {
				return CapabilitySpec{}, fmt.Errorf("%w: duplicate field permission for %q", ErrInvalidInput, p.Field)
			}
			seen[p.Field] = struct{}{}
			perms = append(perms, p)
		}
		spec.FieldPermissions = perms
	}
	if spec.Conditions != nil {
		rule, err := NormalizeRule(*spec.Conditions)
		if err != nil {
			return CapabilitySpec{}, err
		}
		spec.Conditions = &rule
	}
	if spec.TimeRestrictions != nil {
		if err := ValidateTimeRestriction(*spec.TimeRestrictions); err != nil {
			return CapabilitySpec{}, err
		}
	}
	if spec.ContextRestrictions != nil {
		if err := validateIPRanges(spec.ContextRestrictions.AllowedIPRanges); err != nil {
			return CapabilitySpec{}, err
		}
	}
	return spec, nil
}

// ValidateScope rejects unknown scope types and custom filters that do not compile.
func ValidateScope(scope ScopeRule) error {
	if _, ok := validScopes[scope.Type]; !ok {
		return fmt.Errorf("%w: unsupported scope type %q", ErrInvalidInput, scope.Type)
	}
	if scope.Type == ScopeCustom {
		return CompileScopeFilter(scope.Filter)
	}
	if scope.Filter != "" {
		return fmt.Errorf("%w: filter is only valid for custom scope", ErrInvalidInput)
	}
	return nil
}

// ValidateRule reports whether rule can be stored: a known combinator, a
// field and a known operator on every condition, and well-formed list operands.
func ValidateRule(rule ConditionalRule) error {
	_, err := NormalizeRule(rule)
	return err
}

// NormalizeRule validates a conditional rule and canonicalizes its operators.
func NormalizeRule(rule ConditionalRule) (ConditionalRule, error) {
	combine, err := normalizeCombine(rule.CombineWith)
	if err != nil {
		return ConditionalRule{}, err
	}
	out := ConditionalRule{CombineWith: combine, Conditions: make([]Condition, 0, len(rule.Conditions))}
	for i, c := range rule.Conditions {
		c.Field = strings.TrimSpace(c.Field)
		c.Operator = Operator(strings.ToLower(strings.TrimSpace(string(c.Operator))))
		if c.Field == "" {
			return ConditionalRule{}, fmt.Errorf("%w: condition %d requires a field", ErrInvalidInput, i)
		}
		if _, ok := knownOperators[c.Operator]; !ok {
			return ConditionalRule{}, fmt.Errorf("%w: condition %d has unsupported operator %q", ErrInvalidInput, i, c.Operator)
		}
		switch c.Operator {
		case OpIn, OpNotIn, OpBetween:
			if _, err := operandList(c.Operator, c.Value); err != nil {
				return ConditionalRule{}, err
			}
		case OpExists, OpNotExists:
		default:
			if c.Value == nil {
				return ConditionalRule{}, fmt.Errorf("%w: condition %d requires a value", ErrInvalidInput, i)
			}
		}
		out.Conditions = append(out.Conditions, c)
	}
	return out, nil
}

// ValidateTimeRestriction checks days, clock strings, timezone and validity period.
func ValidateTimeRestriction(tr TimeRestriction) error {
	for _, d := range tr.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day of week %d out of range 0-6", ErrInvalidInput, d)
		}
	}
	if s := strings.TrimSpace(tr.StartTime); s != "" {
		if _, err := parseClock(s); err != nil {
			return err
		}
	}
	if s := strings.TrimSpace(tr.EndTime); s != "" {
		if _, err := parseClock(s); err != nil {
			return err
		}
	}
	if _, err := restrictionLocation(tr.Timezone); err != nil {
		return err
	}
	if tr.ValidFrom != nil && tr.ValidUntil != nil && !tr.ValidFrom.Before(*tr.ValidUntil) {
		return fmt.Errorf("%w: valid_from must be before valid_until", ErrInvalidInput)
	}
	return nil
}

// NormalizeMaskingRule validates a masking rule and canonicalizes its identifiers.
func NormalizeMaskingRule(rule DataMaskingRule) (DataMaskingRule, error) {
	rule.Module = strings.ToLower(strings.TrimSpace(rule.Module))
	rule.Field = strings.TrimSpace(rule.Field)
	rule.MaskType = MaskType(strings.ToLower(strings.TrimSpace(string(rule.MaskType))))
	rule.VisibleWithCapability = strings.ToLower(strings.TrimSpace(rule.VisibleWithCapability))
	if rule.Module == "" || rule.Field == "" {
		return DataMaskingRule{}, fmt.Errorf("%w: module and field are required", ErrInvalidInput)
	}
	if rule.MaskType == "" {
		rule.MaskType = MaskFull
	}
	if _, ok := validMaskTypes[rule.MaskType]; !ok {
		return DataMaskingRule{}, fmt.Errorf("%w: unsupported mask type %q", ErrInvalidInput, rule.MaskType)
	}
	if key := rule.VisibleWithCapability; key != "" {
		module, action, ok := strings.Cut(key, ".")
		if !ok || module == "" || action == "" {
			return DataMaskingRule{}, fmt.Errorf("%w: visible_with_capability must be module.action", ErrInvalidInput)
		}
	}
	roles := make([]string, 0, len(rule.VisibleToRoles))
	for _, r := range rule.VisibleToRoles {
		roles = append(roles, normalizeRole(r))
	}
	rule.VisibleToRoles = dedupeStrings(roles)
	return rule, nil
}
