package permissions

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

const redactedValue = "[REDACTED]"

// MaskValue transforms v according to mt. Strings keep their length and
// separators where the mask type allows it.
func MaskValue(v any, mt MaskType) any {
	if v == nil {
		return nil
	}
	s := stringify(v)
	switch MaskType(strings.ToLower(string(mt))) {
	case MaskNone, "":
		return v
	case MaskFull:
		if _, ok := v.(string); !ok {
			return "****"
		}
		return strings.Repeat("*", len([]rune(s)))
	case MaskPartial:
		return maskPartial(s)
	case MaskEmail:
		return maskEmail(s)
	case MaskPhone:
		return maskKeepingLast(s, 4, unicode.IsDigit)
	case MaskLast4:
		return maskKeepingLast(s, 4, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) })
	case MaskHash:
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])[:16]
	case MaskRedact:
		return redactedValue
	default:
		return redactedValue
	}
}

func maskPartial(s string) string {
	runes := []rune(s)
	n := len(runes)
	if n < 4 {
		return strings.Repeat("*", n)
	}
	keep := n / 4
	for i := keep; i < n-keep; i++ {
		runes[i] = '*'
	}
	return string(runes)
}

func maskEmail(s string) string {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return maskPartial(s)
	}
	local := []rune(s[:at])
	for i := 1; i < len(local); i++ {
		local[i] = '*'
	}
	return string(local) + s[at:]
}

// maskKeepingLast replaces every rune selected by isMaskable except the last keep of them.
func maskKeepingLast(s string, keep int, isMaskable func(rune) bool) string {
	runes := []rune(s)
	total := 0
	for _, r := range runes {
		if isMaskable(r) {
			total++
		}
	}
	seen := 0
	for i, r := range runes {
		if !isMaskable(r) {
			continue
		}
		seen++
		if seen <= total-keep {
			runes[i] = '*'
		}
	}
	return string(runes)
}

// ruleExempts reports whether subject may see the field behind rule unmasked.
func ruleExempts(rule DataMaskingRule, subject Subject, now time.Time, holds func(module, action string) bool) bool {
	if subject.hasRole(rule.VisibleToRoles) {
		return true
	}
	key := strings.TrimSpace(rule.VisibleWithCapability)
	if key == "" {
		return false
	}
	module, action, ok := strings.Cut(key, ".")
	if !ok {
		return false
	}
	if subject.HoldsCapability(module, action, now) {
		return true
	}
	return holds != nil && holds(module, action)
}

// MaskRecord returns a masked copy of record and the paths that were masked.
// Only rules for module apply. holds may report extra grants (role baselines).
func MaskRecord(record map[string]any, module string, rules []DataMaskingRule, subject Subject, now time.Time, holds func(module, action string) bool) (map[string]any, []MaskedField) {
	out := cloneRecord(record)
	if out == nil {
		return nil, nil
	}
	var masked []MaskedField
	for _, rule := range rules {
		if !strings.EqualFold(strings.TrimSpace(rule.Module), strings.TrimSpace(module)) {
			continue
		}
		field := strings.TrimSpace(rule.Field)
		v, ok := lookup(out, field)
		if !ok || v == nil {
			continue
		}
		if ruleExempts(rule, subject, now, holds) {
			continue
		}
		if !setPath(out, field, MaskValue(v, rule.MaskType)) {
			continue
		}
		masked = append(masked, MaskedField{Field: field, MaskType: rule.MaskType})
	}
	return out, masked
}

// MaskedField names a field that was masked in a response.
type MaskedField struct {
	Field    string   `json:"field"`
	MaskType MaskType `json:"mask_type"`
}

func setPath(record map[string]any, path string, v any) bool {
	if _, ok := record[path]; ok {
		record[path] = v
		return true
	}
	parts := strings.Split(path, ".")
	current := record
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return false
		}
		current = next
	}
	last := parts[len(parts)-1]
	if _, ok := current[last]; !ok {
		return false
	}
	current[last] = v
	return true
}
