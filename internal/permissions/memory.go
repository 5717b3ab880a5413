package permissions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Values are
// copied on the way in and out so callers never share state with the store.
type InMemory struct {
	mu        sync.RWMutex
	caps      map[string]EnhancedCapability
	templates map[string]PermissionTemplate
	masking   map[string]DataMaskingRule
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		caps:      make(map[string]EnhancedCapability),
		templates: make(map[string]PermissionTemplate),
		masking:   make(map[string]DataMaskingRule),
	}
}

func (s *InMemory) CreateCapability(ctx context.Context, c EnhancedCapability) (EnhancedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.caps[c.ID]; exists {
		return EnhancedCapability{}, ErrConflict
	}
	s.caps[c.ID] = cloneCapability(c)
	return cloneCapability(c), nil
}

func (s *InMemory) UpdateCapability(ctx context.Context, c EnhancedCapability) (EnhancedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caps[c.ID]; !ok {
		return EnhancedCapability{}, ErrNotFound
	}
	s.caps[c.ID] = cloneCapability(c)
	return cloneCapability(c), nil
}

func (s *InMemory) DeleteCapability(ctx context.Context, id string) (EnhancedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[id]
	if !ok {
		return EnhancedCapability{}, ErrNotFound
	}
	delete(s.caps, id)
	return c, nil
}

func (s *InMemory) GetCapability(ctx context.Context, id string) (EnhancedCapability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caps[id]
	if !ok {
		return EnhancedCapability{}, ErrNotFound
	}
	return cloneCapability(c), nil
}

func (s *InMemory) ListUserCapabilities(ctx context.Context, userID string) ([]EnhancedCapability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EnhancedCapability
	for _, c := range s.caps {
		if c.UserID == userID {
			out = append(out, cloneCapability(c))
		}
	}
	sortCapabilities(out)
	return out, nil
}

func (s *InMemory) ReplaceUserCapabilities(ctx context.Context, userID string, caps []EnhancedCapability) ([]EnhancedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range caps {
		if existing, ok := s.caps[c.ID]; ok && existing.UserID != userID {
			return nil, ErrConflict
		}
	}
	for id, c := range s.caps {
		if c.UserID == userID {
			delete(s.caps, id)
		}
	}
	out := make([]EnhancedCapability, 0, len(caps))
	for _, c := range caps {
		c.UserID = userID
		s.caps[c.ID] = cloneCapability(c)
		out = append(out, cloneCapability(c))
	}
	sortCapabilities(out)
	return out, nil
}

func (s *InMemory) DeleteExpiredCapabilities(ctx context.Context, before time.Time) ([]EnhancedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged []EnhancedCapability
	for id, c := range s.caps {
		if c.Expired(before) {
			purged = append(purged, c)
			delete(s.caps, id)
		}
	}
	sortCapabilities(purged)
	return purged, nil
}

func (s *InMemory) CreateTemplate(ctx context.Context, t PermissionTemplate) (PermissionTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[t.ID]; exists {
		return PermissionTemplate{}, ErrConflict
	}
	if s.templateNameTaken(t.Name, t.ID) {
		return PermissionTemplate{}, ErrConflict
	}
	s.templates[t.ID] = cloneTemplate(t)
	return cloneTemplate(t), nil
}

func (s *InMemory) UpdateTemplate(ctx context.Context, t PermissionTemplate) (PermissionTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; !ok {
		return PermissionTemplate{}, ErrNotFound
	}
	if s.templateNameTaken(t.Name, t.ID) {
		return PermissionTemplate{}, ErrConflict
	}
	s.templates[t.ID] = cloneTemplate(t)
	return cloneTemplate(t), nil
}

func (s *InMemory) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

func (s *InMemory) GetTemplate(ctx context.Context, id string) (PermissionTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return PermissionTemplate{}, ErrNotFound
	}
	return cloneTemplate(t), nil
}

func (s *InMemory) ListTemplates(ctx context.Context) ([]PermissionTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PermissionTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// caller holds mu
func (s *InMemory) templateNameTaken(name, exceptID string) bool {
	for id, t := range s.templates {
		if id != exceptID && strings.EqualFold(t.Name, name) {
			return true
		}
	}
	return false
}

func (s *InMemory) CreateMaskingRule(ctx context.Context, r DataMaskingRule) (DataMaskingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.masking[r.ID]; exists {
		return DataMaskingRule{}, ErrConflict
	}
	if s.maskingFieldTaken(r.Module, r.Field, r.ID) {
		return DataMaskingRule{}, ErrConflict
	}
	s.masking[r.ID] = cloneMaskingRule(r)
	return cloneMaskingRule(r), nil
}

func (s *InMemory) UpdateMaskingRule(ctx context.Context, r DataMaskingRule) (DataMaskingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.masking[r.ID]; !ok {
		return DataMaskingRule{}, ErrNotFound
	}
	if s.maskingFieldTaken(r.Module, r.Field, r.ID) {
		return DataMaskingRule{}, ErrConflict
	}
	s.masking[r.ID] = cloneMaskingRule(r)
	return cloneMaskingRule(r), nil
}

func (s *InMemory) DeleteMaskingRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.masking[id]; !ok {
		return ErrNotFound
	}
	delete(s.masking, id)
	return nil
}

func (s *InMemory) GetMaskingRule(ctx context.Context, id string) (DataMaskingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.masking[id]
	if !ok {
		return DataMaskingRule{}, ErrNotFound
	}
	return cloneMaskingRule(r), nil
}

func (s *InMemory) ListMaskingRules(ctx context.Context, module string) ([]DataMaskingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	module = strings.TrimSpace(module)
	var out []DataMaskingRule
	for _, r := range s.masking {
		if module == "" || strings.EqualFold(r.Module, module) {
			out = append(out, cloneMaskingRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Field < out[j].Field
	})
	return out, nil
}

// caller holds mu
func (s *InMemory) maskingFieldTaken(module, field, exceptID string) bool {
	for id, r := range s.masking {
		if id != exceptID && strings.EqualFold(r.Module, module) && r.Field == field {
			return true
		}
	}
	return false
}

func sortCapabilities(caps []EnhancedCapability) {
	sort.Slice(caps, func(i, j int) bool {
		if !caps[i].GrantedAt.Equal(caps[j].GrantedAt) {
			return caps[i].GrantedAt.Before(caps[j].GrantedAt)
		}
		return caps[i].ID < caps[j].ID
	})
}

func cloneCapability(c EnhancedCapability) EnhancedCapability {
	c.CapabilitySpec = cloneSpec(c.CapabilitySpec)
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

func cloneTemplate(t PermissionTemplate) PermissionTemplate {
	if t.Capabilities != nil {
		specs := make([]CapabilitySpec, len(t.Capabilities))
		for i, s := range t.Capabilities {
			specs[i] = cloneSpec(s)
		}
		t.Capabilities = specs
	}
	return t
}

func cloneMaskingRule(r DataMaskingRule) DataMaskingRule {
	r.VisibleToRoles = append([]string(nil), r.VisibleToRoles...)
	return r
}

// cloneSpec copies every nested layer. Condition values are treated as immutable.
func cloneSpec(s CapabilitySpec) CapabilitySpec {
	if s.Scope != nil {
		scope := *s.Scope
		s.Scope = &scope
	}
	if s.FieldPermissions != nil {
		s.FieldPermissions = append([]FieldPermission(nil), s.FieldPermissions...)
	}
	if s.Conditions != nil {
		rule := *s.Conditions
		rule.Conditions = append([]Condition(nil), rule.Conditions...)
		s.Conditions = &rule
	}
	if s.TimeRestrictions != nil {
		tr := *s.TimeRestrictions
		tr.DaysOfWeek = append([]int(nil), tr.DaysOfWeek...)
		if tr.ValidFrom != nil {
			v := *tr.ValidFrom
			tr.ValidFrom = &v
		}
		if tr.ValidUntil != nil {
			v := *tr.ValidUntil
			tr.ValidUntil = &v
		}
		s.TimeRestrictions = &tr
	}
	if s.ContextRestrictions != nil {
		cr := *s.ContextRestrictions
		cr.AllowedIPRanges = append([]string(nil), cr.AllowedIPRanges...)
		cr.AllowedDeviceTypes = append([]string(nil), cr.AllowedDeviceTypes...)
		cr.AllowedYards = append([]string(nil), cr.AllowedYards...)
		s.ContextRestrictions = &cr
	}
	return s
}
