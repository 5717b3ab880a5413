package permissions

import (
	"fmt"
	"strings"
)

var defaultScopeFields = map[ScopeType]string{
	ScopeOwn:        "created_by",
	ScopeYard:       "yard_id",
	ScopeDepartment: "department_id",
	ScopeAssigned:   "assigned_to",
}

// EvaluateScope reports whether record is visible to subject under rule.
// A nil rule and the "all" scope admit every record. Unknown scope types deny.
func EvaluateScope(rule *ScopeRule, record map[string]any, subject Subject) (bool, error) {
	if rule == nil {
		return true, nil
	}
	typ := ScopeType(strings.ToLower(strings.TrimSpace(string(rule.Type))))
	switch typ {
	case "", ScopeAll:
		return true, nil
	case ScopeOwn:
		return fieldMatches(record, scopeField(rule, typ), subject.UserID), nil
	case ScopeYard:
		return fieldMatches(record, scopeField(rule, typ), subject.YardID), nil
	case ScopeDepartment:
		return fieldMatches(record, scopeField(rule, typ), subject.DepartmentID), nil
	case ScopeAssigned:
		v, ok := lookup(record, scopeField(rule, typ))
		if !ok || strings.TrimSpace(subject.UserID) == "" {
			return false, nil
		}
		if list, ok := toSlice(v); ok {
			for _, item := range list {
				if stringify(item) == subject.UserID {
					return true, nil
				}
			}
			return false, nil
		}
		return stringify(v) == subject.UserID, nil
	case ScopeCustom:
		return evalScopeFilter(rule.Filter, record, subject)
	default:
		return false, fmt.Errorf("%w: unsupported scope type %q", ErrInvalidInput, rule.Type)
	}
}

func scopeField(rule *ScopeRule, typ ScopeType) string {
	if f := strings.TrimSpace(rule.Field); f != "" {
		return f
	}
	return defaultScopeFields[typ]
}

func fieldMatches(record map[string]any, field, want string) bool {
	want = strings.TrimSpace(want)
	if want == "" {
		return false
	}
	v, ok := lookup(record, field)
	if !ok {
		return false
	}
	return stringify(v) == want
}
