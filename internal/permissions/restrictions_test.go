package permissions

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateTime(t *testing.T) {
	// 2026-03-04 is a Wednesday.
	wed := func(h, m int) time.Time { return time.Date(2026, 3, 4, h, m, 0, 0, time.UTC) }
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		tr   *TimeRestriction
		at   time.Time
		want bool
	}{
		{"nil", nil, wed(3, 0), true},
		{"weekday allowed", &TimeRestriction{DaysOfWeek: []int{1, 2, 3, 4, 5}}, wed(9, 0), true},
		{"weekend only", &TimeRestriction{DaysOfWeek: []int{0, 6}}, wed(9, 0), false},
		{"inside window", &TimeRestriction{StartTime: "08:00", EndTime: "17:00"}, wed(8, 0), true},
		{"end exclusive", &TimeRestriction{StartTime: "08:00", EndTime: "17:00"}, wed(17, 0), false},
		{"before window", &TimeRestriction{StartTime: "08:00", EndTime: "17:00"}, wed(7, 59), false},
		{"overnight late", &TimeRestriction{StartTime: "22:00", EndTime: "06:00"}, wed(23, 30), true},
		{"overnight early", &TimeRestriction{StartTime: "22:00", EndTime: "06:00"}, wed(5, 59), true},
		{"overnight midday", &TimeRestriction{StartTime: "22:00", EndTime: "06:00"}, wed(12, 0), false},
		{"start only", &TimeRestriction{StartTime: "12:00"}, wed(13, 0), true},
		{"timezone shifts window", &TimeRestriction{StartTime: "08:00", EndTime: "17:00", Timezone: "Asia/Tokyo"}, wed(0, 30), true},
		{"timezone shifts weekday", &TimeRestriction{DaysOfWeek: []int{4}, Timezone: "Asia/Tokyo"}, wed(20, 0), true},
		{"valid from", &TimeRestriction{ValidFrom: &from}, from.Add(-time.Second), false},
		{"valid until exclusive", &TimeRestriction{ValidUntil: &until}, until, false},
		{"inside validity", &TimeRestriction{ValidFrom: &from, ValidUntil: &until}, wed(12, 0), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateTime(tc.tr, tc.at)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateTimeInvalid(t *testing.T) {
	_, err := EvaluateTime(&TimeRestriction{StartTime: "25:00", EndTime: "26:00"}, time.Now())
	require.True(t, errors.Is(err, ErrInvalidInput))

	_, err = EvaluateTime(&TimeRestriction{Timezone: "Mars/Olympus"}, time.Now())
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestEvaluateContext(t *testing.T) {
	cr := &ContextRestriction{
		AllowedIPRanges:    []string{"10.0.0.0/8", "192.168.1.10"},
		AllowedDeviceTypes: []string{"desktop", "scanner"},
		RequireMFA:         true,
		AllowedYards:       []string{"yard-a"},
	}
	good := AccessContext{IP: "10.1.2.3:51234", DeviceType: "Scanner", MFAVerified: true, YardID: "yard-a"}

	ok, why := EvaluateContext(cr, good)
	assert.True(t, ok, why)

	ok, _ = EvaluateContext(nil, AccessContext{})
	assert.True(t, ok)

	cases := []struct {
		name   string
		mutate func(*AccessContext)
		want   string
	}{
		{"ip outside", func(ac *AccessContext) { ac.IP = "172.16.0.1" }, "ip address not in allowed ranges"},
		{"ip missing", func(ac *AccessContext) { ac.IP = "" }, "ip address not in allowed ranges"},
		{"device", func(ac *AccessContext) { ac.DeviceType = "mobile" }, "device type not allowed"},
		{"mfa", func(ac *AccessContext) { ac.MFAVerified = false }, "multi-factor authentication required"},
		{"yard", func(ac *AccessContext) { ac.YardID = "yard-b" }, "yard not allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ac := good
			tc.mutate(&ac)
			ok, why := EvaluateContext(cr, ac)
			assert.False(t, ok)
			assert.Equal(t, tc.want, why)
		})
	}

	ok, _ = EvaluateContext(&ContextRestriction{AllowedIPRanges: []string{"192.168.1.10"}}, AccessContext{IP: "::ffff:192.168.1.10"})
	assert.True(t, ok, "mapped IPv4 matches a single address")
}

func TestEvaluateFields(t *testing.T) {
	perms := []FieldPermission{
		{Field: "rate", Access: FieldRead},
		{Field: "notes", Access: FieldWrite},
		{Field: "customer.ssn", Access: FieldHidden},
		{Field: "billing", Access: FieldRead},
	}

	assert.Empty(t, EvaluateFields(perms, "read", []string{"rate", "notes", "unlisted"}))
	assert.Equal(t, []string{"customer.ssn"}, EvaluateFields(perms, "read", []string{"rate", "customer.ssn"}))
	assert.Equal(t, []string{"rate", "billing.iban"}, EvaluateFields(perms, "update", []string{"rate", "notes", "billing.iban"}))
	assert.Empty(t, EvaluateFields(nil, "update", []string{"anything"}))
}

func TestStripHiddenFields(t *testing.T) {
	perms := []FieldPermission{{Field: "customer.ssn", Access: FieldHidden}, {Field: "cost", Access: FieldHidden}}
	record := map[string]any{
		"id":       "r1",
		"cost":     12.5,
		"customer": map[string]any{"name": "Ann", "ssn": "123-45-6789"},
	}
	out := StripHiddenFields(perms, record)
	assert.Equal(t, map[string]any{"id": "r1", "customer": map[string]any{"name": "Ann"}}, out)
	assert.Contains(t, record, "cost", "input is not mutated")
	assert.Contains(t, record["customer"], "ssn")
}

func TestNormalizeSpec(t *testing.T) {
	spec, err := NormalizeSpec(CapabilitySpec{
		Module: " Inventory ",
		Action: "READ",
		Scope:  &ScopeRule{Type: "YARD_ONLY"},
		Conditions: &ConditionalRule{Conditions: []Condition{
			{Field: " status ", Operator: "Equals", Value: "open"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "inventory", spec.Module)
	assert.Equal(t, "read", spec.Action)
	assert.Equal(t, ScopeYard, spec.Scope.Type)
	assert.Equal(t, CombineAnd, spec.Conditions.CombineWith)
	assert.Equal(t, OpEquals, spec.Conditions.Conditions[0].Operator)
	assert.Equal(t, "status", spec.Conditions.Conditions[0].Field)

	bad := []CapabilitySpec{
		{Module: "", Action: "read"},
		{Module: "inv", Action: "read", Scope: &ScopeRule{Type: "galaxy"}},
		{Module: "inv", Action: "read", Scope: &ScopeRule{Type: ScopeCustom, Filter: "record."}},
		{Module: "inv", Action: "read", Scope: &ScopeRule{Type: ScopeOwn, Filter: "true"}},
		{Module: "inv", Action: "read", FieldPermissions: []FieldPermission{{Field: "a", Access: "admin"}}},
		{Module: "inv", Action: "read", FieldPermissions: []FieldPermission{{Field: "a", Access: FieldRead}, {Field: "a", Access: FieldWrite}}},
		{Module: "inv", Action: "read", Conditions: &ConditionalRule{Conditions: []Condition{{Field: "a", Operator: "like", Value: "x"}}}},
		{Module: "inv", Action: "read", Conditions: &ConditionalRule{Conditions: []Condition{{Field: "a", Operator: OpBetween, Value: []any{1, 2, 3}}}}},
		{Module: "inv", Action: "read", Conditions: &ConditionalRule{Conditions: []Condition{{Field: "a", Operator: OpEquals}}}},
		{Module: "inv", Action: "read", TimeRestrictions: &TimeRestriction{DaysOfWeek: []int{7}}},
		{Module: "inv", Action: "read", TimeRestrictions: &TimeRestriction{StartTime: "8am"}},
		{Module: "inv", Action: "read", ContextRestrictions: &ContextRestriction{AllowedIPRanges: []string{"10.0.0.0/33"}}},
	}
	for i, spec := range bad {
		_, err := NormalizeSpec(spec)
		assert.True(t, errors.Is(err, ErrInvalidInput), "case %d: %v", i, err)
	}
}

func TestNormalizeMaskingRule(t *testing.T) {
	r, err := NormalizeMaskingRule(DataMaskingRule{Module: "Customers", Field: "email", VisibleToRoles: []string{"Admin", "admin"}})
	require.NoError(t, err)
	assert.Equal(t, "customers", r.Module)
	assert.Equal(t, MaskFull, r.MaskType)
	assert.Equal(t, []string{"admin"}, r.VisibleToRoles)

	_, err = NormalizeMaskingRule(DataMaskingRule{Module: "customers", Field: "email", MaskType: "scramble"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = NormalizeMaskingRule(DataMaskingRule{Module: "customers", Field: "email", VisibleWithCapability: "customers"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}
