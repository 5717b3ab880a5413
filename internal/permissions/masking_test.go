package permissions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMaskValue(t *testing.T) {
	cases := []struct {
		name string
		in   any
		mt   MaskType
		want any
	}{
		{"full", "secret", MaskFull, "******"},
		{"full number", 1234, MaskFull, "****"},
		{"partial", "4111111111111111", MaskPartial, "4111********1111"},
		{"partial short", "abc", MaskPartial, "***"},
		{"email", "john.doe@example.com", MaskEmail, "j*******@example.com"},
		{"email without at", "johndoe", MaskEmail, "j*****e"},
		{"phone", "+1 (555) 123-4567", MaskPhone, "+* (***) ***-4567"},
		{"last4", "4111-1111-1111-1111", MaskLast4, "****-****-****-1111"},
		{"redact", "anything", MaskRedact, "[REDACTED]"},
		{"unknown type redacts", "anything", "rot13", "[REDACTED]"},
		{"none", 42, MaskNone, 42},
		{"nil", nil, MaskFull, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MaskValue(tc.in, tc.mt))
		})
	}

	h := MaskValue("4111111111111111", MaskHash)
	assert.Len(t, h, 16)
	assert.Equal(t, h, MaskValue("4111111111111111", MaskHash), "hash is stable")
}

func TestMaskRecord(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rules := []DataMaskingRule{
		{Module: "customers", Field: "email", MaskType: MaskEmail},
		{Module: "customers", Field: "billing.card", MaskType: MaskLast4, VisibleWithCapability: "billing.view_card"},
		{Module: "customers", Field: "ssn", MaskType: MaskRedact, VisibleToRoles: []string{"auditor"}},
		{Module: "customers", Field: "missing", MaskType: MaskFull},
		{Module: "invoices", Field: "email", MaskType: MaskFull},
	}
	record := map[string]any{
		"email":   "ann@example.com",
		"ssn":     "123-45-6789",
		"billing": map[string]any{"card": "4111111111111111"},
	}

	out, masked := MaskRecord(record, "customers", rules, Subject{UserID: "u-1", Role: "clerk"}, now, nil)
	assert.Equal(t, "a**@example.com", out["email"])
	assert.Equal(t, "[REDACTED]", out["ssn"])
	assert.Equal(t, "************1111", out["billing"].(map[string]any)["card"])
	assert.Equal(t, []MaskedField{
		{Field: "email", MaskType: MaskEmail},
		{Field: "billing.card", MaskType: MaskLast4},
		{Field: "ssn", MaskType: MaskRedact},
	}, masked)
	assert.Equal(t, "ann@example.com", record["email"], "input is not mutated")

	auditor := Subject{UserID: "u-2", Role: "Auditor", Capabilities: []EnhancedCapability{
		{CapabilitySpec: CapabilitySpec{Module: "billing", Action: "view_card"}, ID: "cap_1"},
	}}
	out, masked = MaskRecord(record, "customers", rules, auditor, now, nil)
	assert.Equal(t, "123-45-6789", out["ssn"])
	assert.Equal(t, "4111111111111111", out["billing"].(map[string]any)["card"])
	assert.Equal(t, []MaskedField{{Field: "email", MaskType: MaskEmail}}, masked)

	expired := now.Add(-time.Hour)
	stale := Subject{UserID: "u-3", Role: "clerk", Capabilities: []EnhancedCapability{
		{CapabilitySpec: CapabilitySpec{Module: "billing", Action: "view_card"}, ID: "cap_2", ExpiresAt: &expired},
	}}
	out, _ = MaskRecord(record, "customers", rules, stale, now, nil)
	assert.Equal(t, "************1111", out["billing"].(map[string]any)["card"], "expired grants do not unmask")

	holds := func(module, action string) bool { return module == "billing" && action == "view_card" }
	out, _ = MaskRecord(record, "customers", rules, stale, now, holds)
	assert.Equal(t, "4111111111111111", out["billing"].(map[string]any)["card"], "baseline grants unmask")
}
