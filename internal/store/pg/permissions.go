package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"yardops.org/internal/permissions"
)

var _ permissions.Store = (*Store)(nil)

const capabilityColumns = `id, user_id, module, action, scope, field_permissions, conditions,
		time_restrictions, context_restrictions, granted_by, granted_at, expires_at, reason,
		coalesce(template_id, '')`

func (s *Store) CreateCapability(ctx context.Context, c permissions.EnhancedCapability) (permissions.EnhancedCapability, error) {
	if s.db == nil {
		return permissions.EnhancedCapability{}, errNoDB
	}
	if err := insertCapability(ctx, s.db, c); err != nil {
		return permissions.EnhancedCapability{}, err
	}
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertCapability(ctx context.Context, db execer, c permissions.EnhancedCapability) error {
	args, err := capabilityArgs(c)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		insert into permission_capabilities (id, user_id, module, action, scope, field_permissions, conditions,
			time_restrictions, context_restrictions, granted_by, granted_at, expires_at, reason, template_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return permissions.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) UpdateCapability(ctx context.Context, c permissions.EnhancedCapability) (permissions.EnhancedCapability, error) {
	if s.db == nil {
		return permissions.EnhancedCapability{}, errNoDB
	}
	args, err := capabilityArgs(c)
	if err != nil {
		return permissions.EnhancedCapability{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		update permission_capabilities
		set user_id = $2, module = $3, action = $4, scope = $5, field_permissions = $6, conditions = $7,
			time_restrictions = $8, context_restrictions = $9, granted_by = $10, granted_at = $11,
			expires_at = $12, reason = $13, template_id = $14
		where id = $1
	`, args...)
	if err != nil {
		return permissions.EnhancedCapability{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return permissions.EnhancedCapability{}, permissions.ErrNotFound
	}
	return c, nil
}

func (s *Store) DeleteCapability(ctx context.Context, id string) (permissions.EnhancedCapability, error) {
	if s.db == nil {
		return permissions.EnhancedCapability{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		delete from permission_capabilities
		where id = $1
		returning `+capabilityColumns, id)
	c, err := scanCapability(row)
	if errors.Is(err, sql.ErrNoRows) {
		return permissions.EnhancedCapability{}, permissions.ErrNotFound
	}
	return c, err
}

func (s *Store) GetCapability(ctx context.Context, id string) (permissions.EnhancedCapability, error) {
	if s.db == nil {
		return permissions.EnhancedCapability{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+capabilityColumns+`
		from permission_capabilities
		where id = $1
	`, id)
	c, err := scanCapability(row)
	if errors.Is(err, sql.ErrNoRows) {
		return permissions.EnhancedCapability{}, permissions.ErrNotFound
	}
	return c, err
}

func (s *Store) ListUserCapabilities(ctx context.Context, userID string) ([]permissions.EnhancedCapability, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+capabilityColumns+`
		from permission_capabilities
		where user_id = $1
		order by granted_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectCapabilities(rows)
}

func (s *Store) ReplaceUserCapabilities(ctx context.Context, userID string, caps []permissions.EnhancedCapability) ([]permissions.EnhancedCapability, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from permission_capabilities where user_id = $1`, userID); err != nil {
		return nil, err
	}
	out := make([]permissions.EnhancedCapability, 0, len(caps))
	for _, c := range caps {
		c.UserID = userID
		if err := insertCapability(ctx, tx, c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteExpiredCapabilities(ctx context.Context, before time.Time) ([]permissions.EnhancedCapability, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		delete from permission_capabilities
		where expires_at is not null and expires_at <= $1
		returning `+capabilityColumns, before.UTC())
	if err != nil {
		return nil, err
	}
	return collectCapabilities(rows)
}

func collectCapabilities(rows *sql.Rows) ([]permissions.EnhancedCapability, error) {
	defer rows.Close()
	var result []permissions.EnhancedCapability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func capabilityArgs(c permissions.EnhancedCapability) ([]any, error) {
	scope, err := jsonOrNull(c.Scope)
	if err != nil {
		return nil, fmt.Errorf("encode scope: %w", err)
	}
	fields := []byte("[]")
	if len(c.FieldPermissions) > 0 {
		if fields, err = json.Marshal(c.FieldPermissions); err != nil {
			return nil, fmt.Errorf("encode field permissions: %w", err)
		}
	}
	conditions, err := jsonOrNull(c.Conditions)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}
	timeRestrictions, err := jsonOrNull(c.TimeRestrictions)
	if err != nil {
		return nil, fmt.Errorf("encode time restrictions: %w", err)
	}
	contextRestrictions, err := jsonOrNull(c.ContextRestrictions)
	if err != nil {
		return nil, fmt.Errorf("encode context restrictions: %w", err)
	}
	var expires sql.NullTime
	if c.ExpiresAt != nil {
		expires = sql.NullTime{Time: c.ExpiresAt.UTC(), Valid: true}
	}
	return []any{
		c.ID, c.UserID, c.Module, c.Action,
		scope, fields, conditions, timeRestrictions, contextRestrictions,
		c.GrantedBy, c.GrantedAt.UTC(), expires, c.Reason, nullIfEmpty(c.TemplateID),
	}, nil
}

func scanCapability(row scanner) (permissions.EnhancedCapability, error) {
	var (
		c                                                  permissions.EnhancedCapability
		rawScope, rawFields, rawConds, rawTime, rawContext []byte
		expires                                            sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Module, &c.Action,
		&rawScope, &rawFields, &rawConds, &rawTime, &rawContext,
		&c.GrantedBy, &c.GrantedAt, &expires, &c.Reason, &c.TemplateID); err != nil {
		return permissions.EnhancedCapability{}, err
	}
	if err := decodeJSON(rawScope, &c.Scope); err != nil {
		return permissions.EnhancedCapability{}, fmt.Errorf("decode scope: %w", err)
	}
	if err := decodeJSON(rawFields, &c.FieldPermissions); err != nil {
		return permissions.EnhancedCapability{}, fmt.Errorf("decode field permissions: %w", err)
	}
	if err := decodeJSON(rawConds, &c.Conditions); err != nil {
		return permissions.EnhancedCapability{}, fmt.Errorf("decode conditions: %w", err)
	}
	if err := decodeJSON(rawTime, &c.TimeRestrictions); err != nil {
		return permissions.EnhancedCapability{}, fmt.Errorf("decode time restrictions: %w", err)
	}
	if err := decodeJSON(rawContext, &c.ContextRestrictions); err != nil {
		return permissions.EnhancedCapability{}, fmt.Errorf("decode context restrictions: %w", err)
	}
	if len(c.FieldPermissions) == 0 {
		c.FieldPermissions = nil
	}
	c.GrantedAt = c.GrantedAt.UTC()
	if expires.Valid {
		t := expires.Time.UTC()
		c.ExpiresAt = &t
	}
	return c, nil
}

const templateColumns = `id, name, description, capabilities, created_by, created_at, updated_at`

func (s *Store) CreateTemplate(ctx context.Context, t permissions.PermissionTemplate) (permissions.PermissionTemplate, error) {
	if s.db == nil {
		return permissions.PermissionTemplate{}, errNoDB
	}
	caps, err := json.Marshal(t.Capabilities)
	if err != nil {
		return permissions.PermissionTemplate{}, fmt.Errorf("encode capabilities: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into permission_templates (id, name, description, capabilities, created_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning `+templateColumns,
		t.ID, t.Name, t.Description, caps, t.CreatedBy, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	out, err := scanTemplate(row)
	if err != nil {
		if isUniqueViolation(err) {
			return permissions.PermissionTemplate{}, permissions.ErrConflict
		}
		return permissions.PermissionTemplate{}, err
	}
	return out, nil
}

func (s *Store) UpdateTemplate(ctx context.Context, t permissions.PermissionTemplate) (permissions.PermissionTemplate, error) {
	if s.db == nil {
		return permissions.PermissionTemplate{}, errNoDB
	}
	caps, err := json.Marshal(t.Capabilities)
	if err != nil {
		return permissions.PermissionTemplate{}, fmt.Errorf("encode capabilities: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		update permission_templates
		set name = $2, description = $3, capabilities = $4, updated_at = $5
		where id = $1
		returning `+templateColumns,
		t.ID, t.Name, t.Description, caps, t.UpdatedAt.UTC())
	out, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return permissions.PermissionTemplate{}, permissions.ErrNotFound
		}
		if isUniqueViolation(err) {
			return permissions.PermissionTemplate{}, permissions.ErrConflict
		}
		return permissions.PermissionTemplate{}, err
	}
	return out, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from permission_templates where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return permissions.ErrNotFound
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (permissions.PermissionTemplate, error) {
	if s.db == nil {
		return permissions.PermissionTemplate{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+templateColumns+` from permission_templates where id = $1`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return permissions.PermissionTemplate{}, permissions.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTemplates(ctx context.Context) ([]permissions.PermissionTemplate, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+templateColumns+` from permission_templates order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []permissions.PermissionTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanTemplate(row scanner) (permissions.PermissionTemplate, error) {
	var (
		t    permissions.PermissionTemplate
		caps []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &caps, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return permissions.PermissionTemplate{}, err
	}
	if err := decodeJSON(caps, &t.Capabilities); err != nil {
		return permissions.PermissionTemplate{}, fmt.Errorf("decode capabilities: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

const maskingColumns = `id, module, field, mask_type, visible_with_capability, visible_to_roles, created_by, created_at, updated_at`

func (s *Store) CreateMaskingRule(ctx context.Context, r permissions.DataMaskingRule) (permissions.DataMaskingRule, error) {
	if s.db == nil {
		return permissions.DataMaskingRule{}, errNoDB
	}
	roles, err := rolesJSON(r.VisibleToRoles)
	if err != nil {
		return permissions.DataMaskingRule{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into data_masking_rules (id, module, field, mask_type, visible_with_capability, visible_to_roles, created_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning `+maskingColumns,
		r.ID, r.Module, r.Field, string(r.MaskType), r.VisibleWithCapability, roles, r.CreatedBy, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	out, err := scanMaskingRule(row)
	if err != nil {
		if isUniqueViolation(err) {
			return permissions.DataMaskingRule{}, permissions.ErrConflict
		}
		return permissions.DataMaskingRule{}, err
	}
	return out, nil
}

func (s *Store) UpdateMaskingRule(ctx context.Context, r permissions.DataMaskingRule) (permissions.DataMaskingRule, error) {
	if s.db == nil {
		return permissions.DataMaskingRule{}, errNoDB
	}
	roles, err := rolesJSON(r.VisibleToRoles)
	if err != nil {
		return permissions.DataMaskingRule{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		update data_masking_rules
		set module = $2, field = $3, mask_type = $4, visible_with_capability = $5, visible_to_roles = $6, updated_at = $7
		where id = $1
		returning `+maskingColumns,
		r.ID, r.Module, r.Field, string(r.MaskType), r.VisibleWithCapability, roles, r.UpdatedAt.UTC())
	out, err := scanMaskingRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return permissions.DataMaskingRule{}, permissions.ErrNotFound
		}
		if isUniqueViolation(err) {
			return permissions.DataMaskingRule{}, permissions.ErrConflict
		}
		return permissions.DataMaskingRule{}, err
	}
	return out, nil
}

func (s *Store) DeleteMaskingRule(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from data_masking_rules where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return permissions.ErrNotFound
	}
	return nil
}

func (s *Store) GetMaskingRule(ctx context.Context, id string) (permissions.DataMaskingRule, error) {
	if s.db == nil {
		return permissions.DataMaskingRule{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+maskingColumns+` from data_masking_rules where id = $1`, id)
	r, err := scanMaskingRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return permissions.DataMaskingRule{}, permissions.ErrNotFound
	}
	return r, err
}

func (s *Store) ListMaskingRules(ctx context.Context, module string) ([]permissions.DataMaskingRule, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	module = strings.TrimSpace(module)
	var (
		rows *sql.Rows
		err  error
	)
	if module == "" {
		rows, err = s.db.QueryContext(ctx, `select `+maskingColumns+` from data_masking_rules order by module, field`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			select `+maskingColumns+`
			from data_masking_rules
			where lower(module) = lower($1)
			order by module, field
		`, module)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []permissions.DataMaskingRule
	for rows.Next() {
		r, err := scanMaskingRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanMaskingRule(row scanner) (permissions.DataMaskingRule, error) {
	var (
		r        permissions.DataMaskingRule
		maskType string
		roles    []byte
	)
	if err := row.Scan(&r.ID, &r.Module, &r.Field, &maskType, &r.VisibleWithCapability, &roles, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return permissions.DataMaskingRule{}, err
	}
	r.MaskType = permissions.MaskType(maskType)
	if err := decodeJSON(roles, &r.VisibleToRoles); err != nil {
		return permissions.DataMaskingRule{}, fmt.Errorf("decode visible roles: %w", err)
	}
	if len(r.VisibleToRoles) == 0 {
		r.VisibleToRoles = nil
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func rolesJSON(roles []string) ([]byte, error) {
	if len(roles) == 0 {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return nil, fmt.Errorf("encode visible roles: %w", err)
	}
	return b, nil
}

// jsonOrNull encodes v, or returns nil for SQL NULL when v is a nil pointer.
func jsonOrNull[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
