package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"yardops.org/internal/ids"
)

// Service validates and persists grants, templates and masking rules.
type Service struct {
	store Store
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source used for grant and audit timestamps.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("permission store is required")
	}
	s := &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store exposes the backing store, e.g. as the engine's MaskingRuleLister.
func (s *Service) Store() Store { return s.store }

// Grant is the input to GrantCapability.
type Grant struct {
	UserID string `json:"user_id"`
	CapabilitySpec
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (s *Service) GrantCapability(ctx context.Context, grantedBy string, g Grant) (EnhancedCapability, error) {
	userID := strings.TrimSpace(g.UserID)
	if userID == "" {
		return EnhancedCapability{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	c, err := s.newCapability(userID, grantedBy, g.CapabilitySpec, g.ExpiresAt, g.Reason, "")
	if err != nil {
		return EnhancedCapability{}, err
	}
	return s.store.CreateCapability(ctx, c)
}

func (s *Service) newCapability(userID, grantedBy string, spec CapabilitySpec, expiresAt *time.Time, reason, templateID string) (EnhancedCapability, error) {
	spec, err := NormalizeSpec(spec)
	if err != nil {
		return EnhancedCapability{}, err
	}
	now := s.now()
	if expiresAt != nil {
		exp := expiresAt.UTC()
		if !exp.After(now) {
			return EnhancedCapability{}, fmt.Errorf("%w: expires_at must be after the grant time", ErrInvalidInput)
		}
		expiresAt = &exp
	}
	return EnhancedCapability{
		CapabilitySpec: spec,
		ID:             ids.NewWithPrefix(ids.PrefixCapability),
		UserID:         userID,
		GrantedBy:      strings.TrimSpace(grantedBy),
		GrantedAt:      now,
		ExpiresAt:      expiresAt,
		Reason:         strings.TrimSpace(reason),
		TemplateID:     templateID,
	}, nil
}

// CapabilityUpdate replaces the layers that are non-nil. Clear names layers
// to drop: scope, field_permissions, conditions, time_restrictions,
// context_restrictions, expires_at.
type CapabilityUpdate struct {
	Scope               *ScopeRule          `json:"scope,omitempty"`
	FieldPermissions    []FieldPermission   `json:"field_permissions,omitempty"`
	Conditions          *ConditionalRule    `json:"conditions,omitempty"`
	TimeRestrictions    *TimeRestriction    `json:"time_restrictions,omitempty"`
	ContextRestrictions *ContextRestriction `json:"context_restrictions,omitempty"`
	ExpiresAt           *time.Time          `json:"expires_at,omitempty"`
	Reason              *string             `json:"reason,omitempty"`
	Clear               []string            `json:"clear,omitempty"`
}

func (s *Service) UpdateCapability(ctx context.Context, id string, upd CapabilityUpdate) (EnhancedCapability, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return EnhancedCapability{}, fmt.Errorf("%w: capability id is required", ErrInvalidInput)
	}
	c, err := s.store.GetCapability(ctx, id)
	if err != nil {
		return EnhancedCapability{}, err
	}
	for _, layer := range upd.Clear {
		switch strings.ToLower(strings.TrimSpace(layer)) {
		case "scope":
			c.Scope = nil
		case "field_permissions":
			c.FieldPermissions = nil
		case "conditions":
			c.Conditions = nil
		case "time_restrictions":
			c.TimeRestrictions = nil
		case "context_restrictions":
			c.ContextRestrictions = nil
		case "expires_at":
			c.ExpiresAt = nil
		default:
			return EnhancedCapability{}, fmt.Errorf("%w: cannot clear %q", ErrInvalidInput, layer)
		}
	}
	if upd.Scope != nil {
		c.Scope = upd.Scope
	}
	if upd.FieldPermissions != nil {
		c.FieldPermissions = upd.FieldPermissions
	}
	if upd.Conditions != nil {
		c.Conditions = upd.Conditions
	}
	if upd.TimeRestrictions != nil {
		c.TimeRestrictions = upd.TimeRestrictions
	}
	if upd.ContextRestrictions != nil {
		c.ContextRestrictions = upd.ContextRestrictions
	}
	if upd.Reason != nil {
		c.Reason = strings.TrimSpace(*upd.Reason)
	}
	if upd.ExpiresAt != nil {
		exp := upd.ExpiresAt.UTC()
		if !exp.After(c.GrantedAt) {
			return EnhancedCapability{}, fmt.Errorf("%w: expires_at must be after the grant time", ErrInvalidInput)
		}
		c.ExpiresAt = &exp
	}
	spec, err := NormalizeSpec(c.CapabilitySpec)
	if err != nil {
		return EnhancedCapability{}, err
	}
	c.CapabilitySpec = spec
	return s.store.UpdateCapability(ctx, c)
}

func (s *Service) RevokeCapability(ctx context.Context, id string) (EnhancedCapability, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return EnhancedCapability{}, fmt.Errorf("%w: capability id is required", ErrInvalidInput)
	}
	return s.store.DeleteCapability(ctx, id)
}

func (s *Service) GetCapability(ctx context.Context, id string) (EnhancedCapability, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return EnhancedCapability{}, fmt.Errorf("%w: capability id is required", ErrInvalidInput)
	}
	return s.store.GetCapability(ctx, id)
}

// ListUserCapabilities returns the user's grants, dropping expired ones unless includeExpired.
func (s *Service) ListUserCapabilities(ctx context.Context, userID string, includeExpired bool) ([]EnhancedCapability, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	caps, err := s.store.ListUserCapabilities(ctx, userID)
	if err != nil {
		return nil, err
	}
	if includeExpired {
		return caps, nil
	}
	now := s.now()
	active := caps[:0]
	for _, c := range caps {
		if !c.Expired(now) {
			active = append(active, c)
		}
	}
	return active, nil
}

// PurgeExpired deletes every grant that has expired by now.
func (s *Service) PurgeExpired(ctx context.Context) ([]EnhancedCapability, error) {
	return s.store.DeleteExpiredCapabilities(ctx, s.now())
}

// LoadSubject fills base.Capabilities with the user's active grants.
func (s *Service) LoadSubject(ctx context.Context, base Subject) (Subject, error) {
	caps, err := s.ListUserCapabilities(ctx, base.UserID, false)
	if err != nil {
		return Subject{}, err
	}
	base.Capabilities = caps
	return base, nil
}

// TemplateInput is the writable part of a template.
type TemplateInput struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Capabilities []CapabilitySpec `json:"capabilities"`
}

func normalizeTemplate(in TemplateInput) (TemplateInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" {
		return TemplateInput{}, fmt.Errorf("%w: template name is required", ErrInvalidInput)
	}
	if len(in.Capabilities) == 0 {
		return TemplateInput{}, fmt.Errorf("%w: template needs at least one capability", ErrInvalidInput)
	}
	specs := make([]CapabilitySpec, 0, len(in.Capabilities))
	seen := make(map[string]struct{}, len(in.Capabilities))
	for _, c := range in.Capabilities {
		spec, err := NormalizeSpec(c)
		if err != nil {
			return TemplateInput{}, err
		}
		if _, dup := seen[spec.Key()]; dup {
			return TemplateInput{}, fmt.Errorf("%w: duplicate capability %s in template", ErrInvalidInput, spec.Key())
		}
		seen[spec.Key()] = struct{}{}
		specs = append(specs, spec)
	}
	in.Capabilities = specs
	return in, nil
}

func (s *Service) CreateTemplate(ctx context.Context, createdBy string, in TemplateInput) (PermissionTemplate, error) {
	in, err := normalizeTemplate(in)
	if err != nil {
		return PermissionTemplate{}, err
	}
	now := s.now()
	return s.store.CreateTemplate(ctx, PermissionTemplate{
		ID:           ids.NewWithPrefix(ids.PrefixTemplate),
		Name:         in.Name,
		Description:  in.Description,
		Capabilities: in.Capabilities,
		CreatedBy:    strings.TrimSpace(createdBy),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (s *Service) UpdateTemplate(ctx context.Context, id string, in TemplateInput) (PermissionTemplate, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PermissionTemplate{}, fmt.Errorf("%w: template id is required", ErrInvalidInput)
	}
	in, err := normalizeTemplate(in)
	if err != nil {
		return PermissionTemplate{}, err
	}
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return PermissionTemplate{}, err
	}
	t.Name = in.Name
	t.Description = in.Description
	t.Capabilities = in.Capabilities
	t.UpdatedAt = s.now()
	return s.store.UpdateTemplate(ctx, t)
}

func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: template id is required", ErrInvalidInput)
	}
	return s.store.DeleteTemplate(ctx, id)
}

func (s *Service) GetTemplate(ctx context.Context, id string) (PermissionTemplate, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PermissionTemplate{}, fmt.Errorf("%w: template id is required", ErrInvalidInput)
	}
	return s.store.GetTemplate(ctx, id)
}

func (s *Service) ListTemplates(ctx context.Context) ([]PermissionTemplate, error) {
	return s.store.ListTemplates(ctx)
}

// ApplyMode controls how a template combines with a user's existing grants.
type ApplyMode string

const (
	// ApplyMerge adds the template's specs, replacing existing grants with the same module.action.
	ApplyMerge ApplyMode = "merge"
	// ApplyReplace drops every existing grant of the user first.
	ApplyReplace ApplyMode = "replace"
)

type ApplyTemplateInput struct {
	TemplateID string     `json:"template_id"`
	UserID     string     `json:"user_id"`
	GrantedBy  string     `json:"granted_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Mode       ApplyMode  `json:"mode,omitempty"`
}

// ApplyTemplate grants every spec of a template to a user and returns the
// user's resulting grants.
func (s *Service) ApplyTemplate(ctx context.Context, in ApplyTemplateInput) ([]EnhancedCapability, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	mode := ApplyMode(strings.ToLower(strings.TrimSpace(string(in.Mode))))
	switch mode {
	case "":
		mode = ApplyMerge
	case ApplyMerge, ApplyReplace:
	default:
		return nil, fmt.Errorf("%w: unsupported apply mode %q", ErrInvalidInput, in.Mode)
	}
	t, err := s.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		return nil, err
	}

	granted := make([]EnhancedCapability, 0, len(t.Capabilities))
	keys := make(map[string]struct{}, len(t.Capabilities))
	for _, spec := range t.Capabilities {
		c, err := s.newCapability(in.UserID, in.GrantedBy, spec, in.ExpiresAt, "template "+t.Name, t.ID)
		if err != nil {
			return nil, err
		}
		keys[c.Key()] = struct{}{}
		granted = append(granted, c)
	}

	next := granted
	if mode == ApplyMerge {
		existing, err := s.store.ListUserCapabilities(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		next = make([]EnhancedCapability, 0, len(existing)+len(granted))
		for _, c := range existing {
			if _, replaced := keys[c.Key()]; !replaced {
				next = append(next, c)
			}
		}
		next = append(next, granted...)
	}
	return s.store.ReplaceUserCapabilities(ctx, in.UserID, next)
}

// MaskingRuleInput is the writable part of a masking rule.
type MaskingRuleInput struct {
	Module                string   `json:"module"`
	Field                 string   `json:"field"`
	MaskType              MaskType `json:"mask_type"`
	VisibleWithCapability string   `json:"visible_with_capability,omitempty"`
	VisibleToRoles        []string `json:"visible_to_roles,omitempty"`
}

func (in MaskingRuleInput) rule() DataMaskingRule {
	return DataMaskingRule{
		Module:                in.Module,
		Field:                 in.Field,
		MaskType:              in.MaskType,
		VisibleWithCapability: in.VisibleWithCapability,
		VisibleToRoles:        in.VisibleToRoles,
	}
}

func (s *Service) CreateMaskingRule(ctx context.Context, createdBy string, in MaskingRuleInput) (DataMaskingRule, error) {
	r, err := NormalizeMaskingRule(in.rule())
	if err != nil {
		return DataMaskingRule{}, err
	}
	now := s.now()
	r.ID = ids.NewWithPrefix(ids.PrefixMaskingRule)
	r.CreatedBy = strings.TrimSpace(createdBy)
	r.CreatedAt = now
	r.UpdatedAt = now
	return s.store.CreateMaskingRule(ctx, r)
}

func (s *Service) UpdateMaskingRule(ctx context.Context, id string, in MaskingRuleInput) (DataMaskingRule, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DataMaskingRule{}, fmt.Errorf("%w: masking rule id is required", ErrInvalidInput)
	}
	r, err := NormalizeMaskingRule(in.rule())
	if err != nil {
		return DataMaskingRule{}, err
	}
	current, err := s.store.GetMaskingRule(ctx, id)
	if err != nil {
		return DataMaskingRule{}, err
	}
	r.ID = current.ID
	r.CreatedBy = current.CreatedBy
	r.CreatedAt = current.CreatedAt
	r.UpdatedAt = s.now()
	return s.store.UpdateMaskingRule(ctx, r)
}

func (s *Service) DeleteMaskingRule(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: masking rule id is required", ErrInvalidInput)
	}
	return s.store.DeleteMaskingRule(ctx, id)
}

func (s *Service) GetMaskingRule(ctx context.Context, id string) (DataMaskingRule, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DataMaskingRule{}, fmt.Errorf("%w: masking rule id is required", ErrInvalidInput)
	}
	return s.store.GetMaskingRule(ctx, id)
}

// ListMaskingRules lists the rules for module, or all rules when module is empty.
func (s *Service) ListMaskingRules(ctx context.Context, module string) ([]DataMaskingRule, error) {
	return s.store.ListMaskingRules(ctx, strings.ToLower(strings.TrimSpace(module)))
}
