package permissions

import (
	"strings"
	"time"
)

// Subject is the user a decision is made for, with the capabilities loaded for them.
type Subject struct {
	UserID       string               `json:"user_id"`
	Role         string               `json:"role"`
	YardID       string               `json:"yard_id,omitempty"`
	DepartmentID string               `json:"department_id,omitempty"`
	Capabilities []EnhancedCapability `json:"capabilities,omitempty"`
}

// HoldsCapability reports whether the subject has an unexpired grant covering module/action.
func (s Subject) HoldsCapability(module, action string, now time.Time) bool {
	for _, c := range s.Capabilities {
		if c.Matches(module, action) && !c.Expired(now) {
			return true
		}
	}
	return false
}

func (s Subject) attributes() map[string]any {
	return map[string]any{
		"id":            s.UserID,
		"role":          s.Role,
		"yard_id":       s.YardID,
		"department_id": s.DepartmentID,
	}
}

func (s Subject) hasRole(roles []string) bool {
	role := strings.TrimSpace(s.Role)
	if role == "" {
		return false
	}
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// AccessContext describes where and when a request originates.
type AccessContext struct {
	IP          string    `json:"ip,omitempty"`
	DeviceType  string    `json:"device_type,omitempty"`
	MFAVerified bool      `json:"mfa_verified,omitempty"`
	YardID      string    `json:"yard_id,omitempty"`
	Time        time.Time `json:"time,omitempty"`
}

// Request asks whether a subject may perform action on module, optionally
// against a concrete record and a set of fields.
type Request struct {
	Module  string         `json:"module"`
	Action  string         `json:"action"`
	Record  map[string]any `json:"record,omitempty"`
	Fields  []string       `json:"fields,omitempty"`
	Context AccessContext  `json:"context,omitempty"`
}

// Reason explains a decision.
type Reason string

const (
	ReasonAllowed           Reason = "allowed"
	ReasonSuperuser         Reason = "superuser"
	ReasonBaselineGrant     Reason = "baseline_grant"
	ReasonUnauthenticated   Reason = "unauthenticated"
	ReasonNoCapability      Reason = "no_capability"
	ReasonExpired           Reason = "expired"
	ReasonTimeRestricted    Reason = "time_restricted"
	ReasonContextRestricted Reason = "context_restricted"
	ReasonScopeDenied       Reason = "scope_denied"
	ReasonConditionFailed   Reason = "condition_failed"
	ReasonFieldDenied       Reason = "field_denied"
	ReasonPolicyDenied      Reason = "policy_denied"
	ReasonPolicyError       Reason = "policy_error"
)

// rank orders denial reasons by how far evaluation progressed.
func (r Reason) rank() int {
	switch r {
	case ReasonExpired:
		return 1
	case ReasonTimeRestricted:
		return 2
	case ReasonContextRestricted:
		return 3
	case ReasonScopeDenied:
		return 4
	case ReasonConditionFailed:
		return 5
	case ReasonFieldDenied:
		return 6
	default:
		return 0
	}
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed          bool     `json:"allowed"`
	Reason           Reason   `json:"reason"`
	Message          string   `json:"message,omitempty"`
	CapabilityID     string   `json:"capability_id,omitempty"`
	DeniedFields     []string `json:"denied_fields,omitempty"`
	PolicyViolations []string `json:"policy_violations,omitempty"`

	capability *EnhancedCapability
}

// Capability returns the grant that allowed the request, if any.
func (d Decision) Capability() *EnhancedCapability {
	return d.capability
}

func deny(reason Reason, msg string) Decision {
	return Decision{Allowed: false, Reason: reason, Message: msg}
}
