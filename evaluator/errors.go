package evaluator

import (
	"fmt"
	"strings"
)

// CycleError reports a multi-node circular dependency. Chain names every
// formula on the cycle, ending with the formula that closes it.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Chain, " -> "))
}

// SelfReferenceError reports a formula referencing its own sensor by name.
// Self-reference must go through the reserved state token, so the reference
// is undefined from the formula's point of view.
type SelfReferenceError struct {
	FormulaID string
	Reference string
}

func (e *SelfReferenceError) Error() string {
	return fmt.Sprintf("formula %s: undefined variable %q (self-reference must use the state token)", e.FormulaID, e.Reference)
}

// UnresolvedVariableError reports an identifier no pipeline stage claimed.
type UnresolvedVariableError struct {
	FormulaID string
	Variable  string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("formula %s: unresolved variable %q", e.FormulaID, e.Variable)
}

// MissingEntityError reports declared dependencies that do not exist at all.
// This is fatal and counts against the circuit breaker, unlike transitory
// unavailable states.
type MissingEntityError struct {
	FormulaID string
	EntityIDs []string
}

func (e *MissingEntityError) Error() string {
	return fmt.Sprintf("formula %s: missing entities: %s", e.FormulaID, strings.Join(e.EntityIDs, ", "))
}

// BackingEntityError reports a state token that cannot resolve because the
// sensor has no backing entity mapping, or the mapped entity was never
// registered.
type BackingEntityError struct {
	SensorKey string
	EntityID  string
}

func (e *BackingEntityError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("sensor %s: state token used without a backing entity mapping", e.SensorKey)
	}
	return fmt.Sprintf("sensor %s: backing entity %s is not registered", e.SensorKey, e.EntityID)
}

// AttributePathError reports a dot-notation path whose segment does not
// exist on the resolved value.
type AttributePathError struct {
	FormulaID string
	Path      string
	Segment   string
}

func (e *AttributePathError) Error() string {
	return fmt.Sprintf("formula %s: attribute path %q has no segment %q", e.FormulaID, e.Path, e.Segment)
}

// ComputedDepthError reports computed-variable nesting exceeding the
// configured bound, which indicates a misconfigured recursive definition.
type ComputedDepthError struct {
	FormulaID string
	Variable  string
	Depth     int
}

func (e *ComputedDepthError) Error() string {
	return fmt.Sprintf("formula %s: computed variable %q exceeds nesting depth %d", e.FormulaID, e.Variable, e.Depth)
}
