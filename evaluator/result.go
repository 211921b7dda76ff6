package evaluator

// ResultState is the externally visible state of an evaluation outcome.
type ResultState string

const (
	// StateOK marks a successful evaluation with a usable value.
	StateOK ResultState = "ok"
	// StateUnknown marks a transitory degradation: dependencies exist but
	// are not in a normal state, or the arithmetic produced no finite value.
	StateUnknown ResultState = "unknown"
	// StateUnavailable marks fatal conditions: missing entities,
	// unresolved references, or an open circuit breaker.
	StateUnavailable ResultState = "unavailable"
)

// Result is the structured outcome of one formula evaluation. Callers never
// need to parse error text: offending dependencies are enumerated in
// MissingEntities and UnavailableEntities.
type Result struct {
	FormulaID string
	Success   bool
	Value     interface{}
	State     ResultState
	// Cached marks results served from the evaluation cache.
	Cached bool
	// Skipped marks evaluations suppressed by an open circuit breaker.
	Skipped bool
	// MissingEntities lists declared dependencies that do not exist.
	MissingEntities []string
	// UnavailableEntities lists dependencies that exist but are degraded.
	UnavailableEntities []string
	Err                 error
}
