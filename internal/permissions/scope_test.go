package permissions

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateScope(t *testing.T) {
	subject := Subject{UserID: "u-1", Role: "clerk", YardID: "yard-a", DepartmentID: "gate"}
	cases := []struct {
		name   string
		rule   *ScopeRule
		record map[string]any
		want   bool
	}{
		{"nil rule", nil, map[string]any{}, true},
		{"all", &ScopeRule{Type: ScopeAll}, map[string]any{}, true},
		{"own match", &ScopeRule{Type: ScopeOwn}, map[string]any{"created_by": "u-1"}, true},
		{"own mismatch", &ScopeRule{Type: ScopeOwn}, map[string]any{"created_by": "u-2"}, false},
		{"own custom field", &ScopeRule{Type: ScopeOwn, Field: "owner_id"}, map[string]any{"owner_id": "u-1"}, true},
		{"own missing field", &ScopeRule{Type: ScopeOwn}, map[string]any{}, false},
		{"yard", &ScopeRule{Type: ScopeYard}, map[string]any{"yard_id": "yard-a"}, true},
		{"yard other", &ScopeRule{Type: ScopeYard}, map[string]any{"yard_id": "yard-b"}, false},
		{"department", &ScopeRule{Type: ScopeDepartment}, map[string]any{"department_id": "gate"}, true},
		{"assigned single", &ScopeRule{Type: ScopeAssigned}, map[string]any{"assigned_to": "u-1"}, true},
		{"assigned list", &ScopeRule{Type: ScopeAssigned}, map[string]any{"assigned_to": []any{"u-3", "u-1"}}, true},
		{"assigned other", &ScopeRule{Type: ScopeAssigned}, map[string]any{"assigned_to": []string{"u-3"}}, false},
		{"custom", &ScopeRule{Type: ScopeCustom, Filter: `record.yard_id == user.yard_id && record.weight > 1000`}, map[string]any{"yard_id": "yard-a", "weight": 1500}, true},
		{"custom false", &ScopeRule{Type: ScopeCustom, Filter: `record.status in ["open", "hold"]`}, map[string]any{"status": "closed"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateScope(tc.rule, tc.record, subject)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateScopeDeniesSubjectWithoutAttribute(t *testing.T) {
	ok, err := EvaluateScope(&ScopeRule{Type: ScopeYard}, map[string]any{"yard_id": ""}, Subject{UserID: "u-1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateScopeErrors(t *testing.T) {
	_, err := EvaluateScope(&ScopeRule{Type: "region"}, map[string]any{}, Subject{UserID: "u-1"})
	require.True(t, errors.Is(err, ErrInvalidInput))

	_, err = EvaluateScope(&ScopeRule{Type: ScopeCustom}, map[string]any{}, Subject{UserID: "u-1"})
	require.True(t, errors.Is(err, ErrInvalidInput))

	// Missing keys fail at evaluation time and deny.
	_, err = EvaluateScope(&ScopeRule{Type: ScopeCustom, Filter: `record.nope == "x"`}, map[string]any{}, Subject{UserID: "u-1"})
	require.Error(t, err)
}

func TestCompileScopeFilter(t *testing.T) {
	require.NoError(t, CompileScopeFilter(`record.created_by == user.id`))
	require.True(t, errors.Is(CompileScopeFilter(`record.created_by ==`), ErrInvalidInput))
	require.True(t, errors.Is(CompileScopeFilter(`record.created_by`), ErrInvalidInput), "non-bool output is rejected")
}

func TestScopeProgramCacheIsBounded(t *testing.T) {
	for i := 0; i < scopeProgramCacheSize+50; i++ {
		require.NoError(t, CompileScopeFilter(fmt.Sprintf("record.bay == %d", i)))
	}
	assert.LessOrEqual(t, customScopeProgramCache.Len(), scopeProgramCacheSize)

	require.NoError(t, CompileScopeFilter("record.bay == 0"), "evicted filters recompile")
	require.Error(t, CompileScopeFilter("record.bay +"))
	assert.False(t, customScopeProgramCache.Contains("record.bay +"), "rejected filters are not cached")
}
