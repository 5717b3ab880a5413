package permissions

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

// scopeProgramCacheSize bounds the compiled custom scope programs kept in memory.
const scopeProgramCacheSize = 256

var customScopeProgramCache = mustProgramCache(scopeProgramCacheSize)

func mustProgramCache(size int) *lru.Cache[string, cel.Program] {
	c, err := lru.New[string, cel.Program](size)
	if err != nil {
		panic(err)
	}
	return c
}

var newCustomScopeEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
}

// CompileScopeFilter type-checks a custom scope expression. The expression
// sees `record` and `user` maps and must evaluate to bool.
func CompileScopeFilter(expr string) error {
	_, err := loadOrCompileScopeProgram(expr)
	return err
}

func evalScopeFilter(expr string, record map[string]any, subject Subject) (bool, error) {
	program, err := loadOrCompileScopeProgram(expr)
	if err != nil {
		return false, err
	}
	if record == nil {
		record = map[string]any{}
	}
	out, _, err := program.Eval(map[string]any{
		"record": record,
		"user":   subject.attributes(),
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("scope filter did not produce a bool")
	}
	return v, nil
}

func loadOrCompileScopeProgram(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: scope filter expression required", ErrInvalidInput)
	}
	if cached, ok := customScopeProgramCache.Get(expr); ok {
		return cached, nil
	}
	env, err := newCustomScopeEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: scope filter: %v", ErrInvalidInput, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: scope filter must evaluate to bool", ErrInvalidInput)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	customScopeProgramCache.Add(expr, program)
	return program, nil
}
