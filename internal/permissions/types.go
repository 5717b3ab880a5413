package permissions

import (
	"strings"
	"time"
)

// Operator is a field comparison used by conditional rules.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpBetween            Operator = "between"
	OpExists             Operator = "exists"
	OpNotExists          Operator = "not_exists"
)

// CombineOperator joins the conditions of a rule.
type CombineOperator string

const (
	CombineAnd CombineOperator = "AND"
	CombineOr  CombineOperator = "OR"
)

// ScopeType names a record-visibility predicate.
type ScopeType string

const (
	ScopeAll        ScopeType = "all"
	ScopeOwn        ScopeType = "own"
	ScopeYard       ScopeType = "yard_only"
	ScopeDepartment ScopeType = "department_only"
	ScopeAssigned   ScopeType = "assigned_only"
	ScopeCustom     ScopeType = "custom"
)

// FieldAccess is the access level a capability grants on one field.
type FieldAccess string

const (
	FieldRead   FieldAccess = "read"
	FieldWrite  FieldAccess = "write"
	FieldHidden FieldAccess = "hidden"
)

// MaskType selects how a sensitive value is transformed on read.
type MaskType string

const (
	MaskFull    MaskType = "full"
	MaskPartial MaskType = "partial"
	MaskEmail   MaskType = "email"
	MaskPhone   MaskType = "phone"
	MaskLast4   MaskType = "last4"
	MaskHash    MaskType = "hash"
	MaskRedact  MaskType = "redact"
	MaskNone    MaskType = "none"
)

// Condition compares one record field against a value.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// ConditionalRule is an ordered list of conditions joined by AND or OR.
type ConditionalRule struct {
	Conditions  []Condition     `json:"conditions" yaml:"conditions"`
	CombineWith CombineOperator `json:"combine_with,omitempty" yaml:"combine_with,omitempty"`
}

// ScopeRule restricts which records a capability reaches.
type ScopeRule struct {
	Type   ScopeType `json:"type" yaml:"type"`
	Field  string    `json:"field,omitempty" yaml:"field,omitempty"`
	Filter string    `json:"filter,omitempty" yaml:"filter,omitempty"`
}

type FieldPermission struct {
	Field  string      `json:"field" yaml:"field"`
	Access FieldAccess `json:"access" yaml:"access"`
}

// TimeRestriction limits a capability to days of week, a daily window and a validity period.
type TimeRestriction struct {
	DaysOfWeek []int      `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
	StartTime  string     `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime    string     `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Timezone   string     `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
}

// ContextRestriction limits a capability to request origins.
type ContextRestriction struct {
	AllowedIPRanges    []string `json:"allowed_ip_ranges,omitempty" yaml:"allowed_ip_ranges,omitempty"`
	AllowedDeviceTypes []string `json:"allowed_device_types,omitempty" yaml:"allowed_device_types,omitempty"`
	RequireMFA         bool     `json:"require_mfa,omitempty" yaml:"require_mfa,omitempty"`
	AllowedYards       []string `json:"allowed_yards,omitempty" yaml:"allowed_yards,omitempty"`
}

// CapabilitySpec is the grantable part of a capability, shared by grants and templates.
type CapabilitySpec struct {
	Module              string              `json:"module" yaml:"module"`
	Action              string              `json:"action" yaml:"action"`
	Scope               *ScopeRule          `json:"scope,omitempty" yaml:"scope,omitempty"`
	FieldPermissions    []FieldPermission   `json:"field_permissions,omitempty" yaml:"field_permissions,omitempty"`
	Conditions          *ConditionalRule    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	TimeRestrictions    *TimeRestriction    `json:"time_restrictions,omitempty" yaml:"time_restrictions,omitempty"`
	ContextRestrictions *ContextRestriction `json:"context_restrictions,omitempty" yaml:"context_restrictions,omitempty"`
}

// Matches reports whether s covers module/action. "*" matches anything.
func (s CapabilitySpec) Matches(module, action string) bool {
	return wildcardEqual(s.Module, module) && wildcardEqual(s.Action, action)
}

// Key returns "module.action".
func (s CapabilitySpec) Key() string {
	return s.Module + "." + s.Action
}

// EnhancedCapability is a capability granted to one user.
type EnhancedCapability struct {
	CapabilitySpec `json:",inline" yaml:",inline"`

	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	GrantedBy  string     `json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	TemplateID string     `json:"template_id,omitempty"`
}

// Expired reports whether the grant is past its expiry at now.
func (c EnhancedCapability) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// PermissionTemplate is a named, reusable set of capability specs.
type PermissionTemplate struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Capabilities []CapabilitySpec `json:"capabilities"`
	CreatedBy    string           `json:"created_by"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// DataMaskingRule masks one field of a module unless the reader is exempt.
type DataMaskingRule struct {
	ID                    string    `json:"id"`
	Module                string    `json:"module"`
	Field                 string    `json:"field"`
	MaskType              MaskType  `json:"mask_type"`
	VisibleWithCapability string    `json:"visible_with_capability,omitempty"`
	VisibleToRoles        []string  `json:"visible_to_roles,omitempty"`
	CreatedBy             string    `json:"created_by,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func wildcardEqual(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	return pattern == "*" || strings.EqualFold(pattern, strings.TrimSpace(value))
}
