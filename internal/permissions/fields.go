package permissions

import "strings"

var writeActions = map[string]struct{}{
	"create": {},
	"update": {},
	"edit":   {},
	"write":  {},
}

func isWriteAction(action string) bool {
	_, ok := writeActions[strings.ToLower(strings.TrimSpace(action))]
	return ok
}

// EvaluateFields returns the requested fields the permissions do not allow for
// action. Fields without an entry are allowed.
func EvaluateFields(perms []FieldPermission, action string, fields []string) []string {
	if len(perms) == 0 || len(fields) == 0 {
		return nil
	}
	write := isWriteAction(action)
	var denied []string
	for _, f := range fields {
		access, ok := fieldAccess(perms, f)
		if !ok {
			continue
		}
		switch {
		case access == FieldHidden:
			denied = append(denied, f)
		case write && access != FieldWrite:
			denied = append(denied, f)
		}
	}
	return denied
}

// fieldAccess finds the entry for field, falling back to the closest parent path.
func fieldAccess(perms []FieldPermission, field string) (FieldAccess, bool) {
	field = strings.TrimSpace(field)
	for field != "" {
		for _, p := range perms {
			if strings.TrimSpace(p.Field) == field {
				return FieldAccess(strings.ToLower(string(p.Access))), true
			}
		}
		i := strings.LastIndexByte(field, '.')
		if i < 0 {
			break
		}
		field = field[:i]
	}
	return "", false
}

// StripHiddenFields returns a copy of record without the fields marked hidden.
func StripHiddenFields(perms []FieldPermission, record map[string]any) map[string]any {
	out := cloneRecord(record)
	if out == nil {
		return nil
	}
	for _, p := range perms {
		if FieldAccess(strings.ToLower(string(p.Access))) != FieldHidden {
			continue
		}
		deletePath(out, strings.TrimSpace(p.Field))
	}
	return out
}

func deletePath(record map[string]any, path string) {
	if path == "" {
		return
	}
	if _, ok := record[path]; ok {
		delete(record, path)
		return
	}
	parts := strings.Split(path, ".")
	current := record
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}
