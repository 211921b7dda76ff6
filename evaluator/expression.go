package evaluator

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// runExpression compiles and runs expression text against the resolved
// environment. Undefined variables are allowed at compile time because the
// pipeline already guarantees every identifier is bound or reported.
func runExpression(text string, env map[string]interface{}) (interface{}, error) {
	program, err := compileExpression(text)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("run expression: %w", err)
	}
	return out, nil
}

func compileExpression(text string) (*vm.Program, error) {
	program, err := expr.Compile(text, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return program, nil
}

// nonFiniteResult reports results that arithmetic produced but which carry
// no usable value, such as division by zero on floats. These are treated as
// alternate-state-worthy, not as process errors.
func nonFiniteResult(value interface{}) bool {
	f, ok := value.(float64)
	if !ok {
		return false
	}
	return math.IsNaN(f) || math.IsInf(f, 0)
}
