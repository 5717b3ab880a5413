package permissions

import (
	"context"
	"time"
)

// CapabilityStore persists enhanced capability grants. Implementations
// return ErrNotFound for unknown IDs.
type CapabilityStore interface {
	CreateCapability(ctx context.Context, c EnhancedCapability) (EnhancedCapability, error)
	UpdateCapability(ctx context.Context, c EnhancedCapability) (EnhancedCapability, error)
	DeleteCapability(ctx context.Context, id string) (EnhancedCapability, error)
	GetCapability(ctx context.Context, id string) (EnhancedCapability, error)
	ListUserCapabilities(ctx context.Context, userID string) ([]EnhancedCapability, error)
	// ReplaceUserCapabilities atomically swaps every grant of userID for caps.
	ReplaceUserCapabilities(ctx context.Context, userID string, caps []EnhancedCapability) ([]EnhancedCapability, error)
	// DeleteExpiredCapabilities removes grants whose expiry is at or before
	// the cutoff and returns them.
	DeleteExpiredCapabilities(ctx context.Context, before time.Time) ([]EnhancedCapability, error)
}

// TemplateStore persists permission templates. Names are unique.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t PermissionTemplate) (PermissionTemplate, error)
	UpdateTemplate(ctx context.Context, t PermissionTemplate) (PermissionTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error
	GetTemplate(ctx context.Context, id string) (PermissionTemplate, error)
	ListTemplates(ctx context.Context) ([]PermissionTemplate, error)
}

// MaskingRuleStore persists masking rules. A (module, field) pair is unique.
type MaskingRuleStore interface {
	MaskingRuleLister
	CreateMaskingRule(ctx context.Context, r DataMaskingRule) (DataMaskingRule, error)
	UpdateMaskingRule(ctx context.Context, r DataMaskingRule) (DataMaskingRule, error)
	DeleteMaskingRule(ctx context.Context, id string) error
	GetMaskingRule(ctx context.Context, id string) (DataMaskingRule, error)
}

// Store is the full persistence surface used by Service.
type Store interface {
	CapabilityStore
	TemplateStore
	MaskingRuleStore
}
