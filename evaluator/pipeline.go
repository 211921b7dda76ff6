package evaluator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/config"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/entities"
)

// degradedDependency records a dependency that exists but is not in a
// normal state. These never trip the circuit breaker; they are routed
// through alternate-state handling instead.
type degradedDependency struct {
	entityID string
	kind     AlternateKind
}

// evalContext carries the per-evaluation state threaded through the
// pipeline stages: the resolved environment, dependency bookkeeping for the
// result contract, and the guards for recursive computed variables.
type evalContext struct {
	set     *config.SensorSet
	sensor  *config.Sensor
	formula *config.Formula

	// mainResult is the main formula's freshly computed value, available to
	// attribute formulas through the state token.
	mainResult    interface{}
	hasMainResult bool

	env          map[string]interface{}
	entitiesSeen []string
	missing      []string
	degraded     []degradedDependency

	// locals carries results of formulas already evaluated in the same
	// run, keyed by every reference form, so dependents read fresh values
	// instead of stale provider state.
	locals map[string]interface{}

	depth   int
	visited map[string]struct{}
	refN    int
}

func newEvalContext(set *config.SensorSet, sensor *config.Sensor, formula *config.Formula) *evalContext {
	return &evalContext{
		set:     set,
		sensor:  sensor,
		formula: formula,
		env:     make(map[string]interface{}),
		locals:  make(map[string]interface{}),
		visited: make(map[string]struct{}),
	}
}

func (ctx *evalContext) recordMissing(entityID string) {
	for _, id := range ctx.missing {
		if id == entityID {
			return
		}
	}
	ctx.missing = append(ctx.missing, entityID)
}

func (ctx *evalContext) recordDegraded(entityID string, kind AlternateKind) {
	for _, dep := range ctx.degraded {
		if dep.entityID == entityID {
			return
		}
	}
	ctx.degraded = append(ctx.degraded, degradedDependency{entityID: entityID, kind: kind})
}

func (ctx *evalContext) recordEntity(entityID string) {
	for _, id := range ctx.entitiesSeen {
		if id == entityID {
			return
		}
	}
	ctx.entitiesSeen = append(ctx.entitiesSeen, entityID)
}

// degradedKind returns the alternate-state kind to handle, with
// unavailable taking precedence over unknown, and unknown over none.
func (ctx *evalContext) degradedKind() AlternateKind {
	kind := AlternateKind("")
	for _, dep := range ctx.degraded {
		switch dep.kind {
		case AlternateUnavailable:
			return AlternateUnavailable
		case AlternateUnknown:
			kind = AlternateUnknown
		case AlternateNone:
			if kind == "" {
				kind = AlternateNone
			}
		}
	}
	return kind
}

func (ctx *evalContext) degradedEntityIDs() []string {
	out := make([]string, 0, len(ctx.degraded))
	for _, dep := range ctx.degraded {
		out = append(out, dep.entityID)
	}
	return out
}

func (ctx *evalContext) nextRef() string {
	name := fmt.Sprintf("__ref_%d", ctx.refN)
	ctx.refN++
	return name
}

// Pipeline rewrites a formula's variable table and text into an expression
// the underlying evaluator can run. Stages run in a fixed order: literals,
// entity references, computed variables, inherited variables, collection
// expansion, the state token, and attribute paths. Re-running the pipeline
// against an unchanged entity snapshot yields identical output.
type Pipeline struct {
	provider entities.DataProvider
	queries  *QueryResolver
	maxDepth int
	logger   zerolog.Logger
}

// NewPipeline builds a pipeline. maxDepth bounds computed-variable nesting;
// zero selects the default of 10.
func NewPipeline(provider entities.DataProvider, queries *QueryResolver, maxDepth int, logger zerolog.Logger) *Pipeline {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &Pipeline{
		provider: provider,
		queries:  queries,
		maxDepth: maxDepth,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run resolves the formula into expression text plus a populated
// environment. Fatal resolution failures (missing entities, unresolved
// variables, bad attribute paths) return an error; transitory conditions
// are recorded on the context for alternate-state handling.
func (p *Pipeline) Run(ctx *evalContext) (string, error) {
	text, err := p.resolveText(ctx.formula.Formula, ctx.formula.Variables, ctx)
	if err != nil {
		return "", err
	}
	if len(ctx.missing) > 0 {
		return "", &MissingEntityError{FormulaID: ctx.formula.ID, EntityIDs: ctx.missing}
	}
	return text, nil
}

// resolveText runs the collection-expansion and reference-rewriting passes
// over one formula body, binding everything it resolves into ctx.env.
func (p *Pipeline) resolveText(formula string, declared map[string]config.Variable, ctx *evalContext) (string, error) {
	expanded, err := p.expandCollections(formula, ctx)
	if err != nil {
		return "", err
	}
	return p.rewriteReferences(expanded, declared, ctx)
}

// expandCollections replaces each dynamic query call with the aggregated
// literal computed over the matching entities' current values.
func (p *Pipeline) expandCollections(formula string, ctx *evalContext) (string, error) {
	calls := findCollectionCalls(formula)
	if len(calls) == 0 {
		return formula, nil
	}
	var builder strings.Builder
	last := 0
	for _, call := range calls {
		builder.WriteString(formula[last:call.start])
		literal, err := p.resolveCollection(call.query, ctx)
		if err != nil {
			return "", err
		}
		builder.WriteString(literal)
		last = call.end
	}
	builder.WriteString(formula[last:])
	return builder.String(), nil
}

func (p *Pipeline) resolveCollection(q Query, ctx *evalContext) (string, error) {
	matched := p.queries.Resolve(q)
	values := make([]float64, 0, len(matched))
	for _, entityID := range matched {
		ctx.recordEntity(entityID)
		state := p.provider.Get(entityID)
		if !state.Exists || state.Value == nil {
			continue
		}
		if v, ok := entities.Numeric(state.Value); ok {
			values = append(values, v)
		}
	}
	if q.Function == "count" {
		return strconv.Itoa(len(matched)), nil
	}
	result, err := Aggregate(q.Function, values)
	if err == ErrEmptyAggregation {
		ctx.recordDegraded(fmt.Sprintf("%s:%s", q.Type, q.Pattern), AlternateUnknown)
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("formula %s: %w", ctx.formula.ID, err)
	}
	return strconv.FormatFloat(result, 'g', -1, 64), nil
}

// rewriteReferences walks the token stream, resolves every identifier
// through the stage order and rebinds dotted references to generated
// environment names the expression evaluator can address.
func (p *Pipeline) rewriteReferences(formula string, declared map[string]config.Variable, ctx *evalContext) (string, error) {
	tokens := lexFormula(formula)
	for idx := range tokens {
		t := tokens[idx]
		if t.kind != tokenIdentifier {
			continue
		}
		replacement, err := p.resolveIdentifier(t, declared, ctx)
		if err != nil {
			return "", err
		}
		if replacement != "" {
			tokens[idx].text = replacement
		}
	}
	return renderTokens(tokens), nil
}

// resolveIdentifier resolves one identifier token. It returns a non-empty
// replacement when the token must be renamed in the expression text.
func (p *Pipeline) resolveIdentifier(t token, declared map[string]config.Variable, ctx *evalContext) (string, error) {
	segments := t.segments()
	head := segments[0]

	if head == "state" {
		value, err := p.resolveStateToken(ctx)
		if err != nil {
			return "", err
		}
		if len(segments) == 1 {
			ctx.env["state"] = value
			return "", nil
		}
		resolved, err := p.walkStatePath(value, segments[1:], t.text, ctx)
		if err != nil {
			return "", err
		}
		ref := ctx.nextRef()
		ctx.env[ref] = resolved
		return ref, nil
	}

	if decl, ok := lookupDeclaration(head, declared, ctx); ok {
		value, err := p.resolveVariable(head, decl, ctx)
		if err != nil {
			return "", err
		}
		if len(segments) == 1 {
			ctx.env[head] = value
			return "", nil
		}
		resolved, err := p.walkVariablePath(decl, value, segments[1:], t.text, ctx)
		if err != nil {
			return "", err
		}
		ref := ctx.nextRef()
		ctx.env[ref] = resolved
		return ref, nil
	}

	if value, ok := ctx.locals[t.text]; ok {
		ctx.recordEntity(t.text)
		if len(segments) == 1 {
			ctx.env[head] = value
			return "", nil
		}
		ref := ctx.nextRef()
		ctx.env[ref] = value
		return ref, nil
	}

	if len(segments) == 1 {
		if _, reserved := reservedWords[head]; reserved {
			return "", nil
		}
		if _, fn := aggregationFunctions[head]; fn {
			return "", nil
		}
		return "", &UnresolvedVariableError{FormulaID: ctx.formula.ID, Variable: head}
	}

	// domain.object entity reference, optionally with an attribute path.
	entityID := segments[0] + "." + segments[1]
	value, available := p.lookupEntity(entityID, ctx)
	if len(segments) > 2 {
		if available {
			var err error
			value, err = p.walkEntityPath(entityID, segments[2:], t.text, ctx)
			if err != nil {
				return "", err
			}
		}
	}
	ref := ctx.nextRef()
	ctx.env[ref] = value
	return ref, nil
}

// lookupDeclaration implements the declaration scopes in stage order: the
// formula's own variables first, then (read-time inheritance, never a
// config mutation) the owning sensor's main-formula variables for attribute
// formulas, then the set's global variables.
func lookupDeclaration(name string, declared map[string]config.Variable, ctx *evalContext) (config.Variable, bool) {
	if decl, ok := declared[name]; ok {
		return decl, true
	}
	if ctx.formula != nil && !ctx.formula.IsMain() {
		if main := ctx.sensor.MainFormula(); main != nil {
			if decl, ok := main.Variables[name]; ok {
				return decl, true
			}
		}
	}
	if ctx.set != nil {
		if decl, ok := ctx.set.Variables[name]; ok {
			return decl, true
		}
	}
	return config.Variable{}, false
}

// resolveVariable dispatches on the closed variable-kind variant.
func (p *Pipeline) resolveVariable(name string, decl config.Variable, ctx *evalContext) (interface{}, error) {
	switch decl.Kind {
	case config.VariableLiteral:
		return entities.NormalizeValue(decl.Literal), nil
	case config.VariableEntity:
		// The collision rewriter normalizes self-references in variable
		// values to the state token.
		if decl.Entity == "state" {
			return p.resolveStateToken(ctx)
		}
		value, _ := p.lookupEntity(decl.Entity, ctx)
		return value, nil
	case config.VariableComputed:
		return p.resolveComputed(name, decl.Computed, ctx)
	default:
		return nil, fmt.Errorf("formula %s: variable %q has unsupported kind %q", ctx.formula.ID, name, decl.Kind)
	}
}

// resolveComputed evaluates a nested sub-formula through the same pipeline.
// Depth and a visited set convert runaway recursion from misconfigured
// nested variables into a reported configuration error.
func (p *Pipeline) resolveComputed(name string, computed *config.ComputedVariable, ctx *evalContext) (interface{}, error) {
	if ctx.depth >= p.maxDepth {
		return nil, &ComputedDepthError{FormulaID: ctx.formula.ID, Variable: name, Depth: p.maxDepth}
	}
	if _, seen := ctx.visited[name]; seen {
		return nil, &ComputedDepthError{FormulaID: ctx.formula.ID, Variable: name, Depth: ctx.depth}
	}
	ctx.visited[name] = struct{}{}
	ctx.depth++
	defer func() {
		ctx.depth--
		delete(ctx.visited, name)
	}()

	text, err := p.resolveText(computed.Formula, computed.Variables, ctx)
	if err != nil {
		return nil, err
	}
	value, err := runExpression(text, ctx.env)
	if err != nil {
		return nil, fmt.Errorf("formula %s: computed variable %q: %w", ctx.formula.ID, name, err)
	}
	return entities.NormalizeValue(value), nil
}

// resolveStateToken resolves the reserved state token: the backing entity's
// current value for a main formula, the main formula's just-computed result
// for an attribute formula.
func (p *Pipeline) resolveStateToken(ctx *evalContext) (interface{}, error) {
	if !ctx.formula.IsMain() {
		if !ctx.hasMainResult {
			return nil, fmt.Errorf("formula %s: state token used before the main formula was evaluated", ctx.formula.ID)
		}
		return ctx.mainResult, nil
	}
	if ctx.sensor.EntityID == "" {
		return nil, &BackingEntityError{SensorKey: ctx.sensor.Key}
	}
	ctx.recordEntity(ctx.sensor.EntityID)
	state := p.provider.Get(ctx.sensor.EntityID)
	if !state.Exists {
		return nil, &BackingEntityError{SensorKey: ctx.sensor.Key, EntityID: ctx.sensor.EntityID}
	}
	if kind, degraded := degradedValueKind(state.Value); degraded {
		ctx.recordDegraded(ctx.sensor.EntityID, kind)
		return nil, nil
	}
	return state.Value, nil
}

// lookupEntity reads an entity's current value, recording missing and
// degraded dependencies on the context. The bool reports whether a usable
// value came back.
func (p *Pipeline) lookupEntity(entityID string, ctx *evalContext) (interface{}, bool) {
	ctx.recordEntity(entityID)
	state := p.provider.Get(entityID)
	if !state.Exists {
		ctx.recordMissing(entityID)
		return nil, false
	}
	if kind, degraded := degradedValueKind(state.Value); degraded {
		ctx.recordDegraded(entityID, kind)
		return nil, false
	}
	return state.Value, true
}

// degradedValueKind classifies transitory value states. A nil value means
// the entity exists but is unavailable; the host's sentinel strings map to
// their respective alternate-state kinds.
func degradedValueKind(value interface{}) (AlternateKind, bool) {
	switch v := value.(type) {
	case nil:
		return AlternateUnavailable, true
	case string:
		switch v {
		case "unavailable":
			return AlternateUnavailable, true
		case "unknown":
			return AlternateUnknown, true
		case "none":
			return AlternateNone, true
		}
	}
	return "", false
}

func (p *Pipeline) walkStatePath(value interface{}, path []string, full string, ctx *evalContext) (interface{}, error) {
	if ctx.formula.IsMain() && ctx.sensor.EntityID != "" {
		// state.attr on a main formula reads the backing entity's
		// attributes.
		state := p.provider.Get(ctx.sensor.EntityID)
		return walkAttributes(state.Attributes, path, full, ctx.formula.ID)
	}
	return walkValuePath(value, path, full, ctx.formula.ID)
}

func (p *Pipeline) walkVariablePath(decl config.Variable, value interface{}, path []string, full string, ctx *evalContext) (interface{}, error) {
	if decl.Kind == config.VariableEntity {
		state := p.provider.Get(decl.Entity)
		if !state.Exists {
			return nil, nil
		}
		return walkAttributes(state.Attributes, path, full, ctx.formula.ID)
	}
	return walkValuePath(value, path, full, ctx.formula.ID)
}

func (p *Pipeline) walkEntityPath(entityID string, path []string, full string, ctx *evalContext) (interface{}, error) {
	state := p.provider.Get(entityID)
	return walkAttributes(state.Attributes, path, full, ctx.formula.ID)
}

func walkAttributes(attrs map[string]interface{}, path []string, full, formulaID string) (interface{}, error) {
	if len(path) == 0 {
		return nil, &AttributePathError{FormulaID: formulaID, Path: full, Segment: ""}
	}
	value, ok := attrs[path[0]]
	if !ok {
		return nil, &AttributePathError{FormulaID: formulaID, Path: full, Segment: path[0]}
	}
	if len(path) == 1 {
		return entities.NormalizeValue(value), nil
	}
	return walkValuePath(value, path[1:], full, formulaID)
}

// walkValuePath follows nested map segments on an already-resolved value.
// Every failure names the full dotted path so diagnostics stay exact.
func walkValuePath(value interface{}, path []string, full, formulaID string) (interface{}, error) {
	current := value
	for _, segment := range path {
		m, ok := asStringMap(current)
		if !ok {
			return nil, &AttributePathError{FormulaID: formulaID, Path: full, Segment: segment}
		}
		next, ok := m[segment]
		if !ok {
			return nil, &AttributePathError{FormulaID: formulaID, Path: full, Segment: segment}
		}
		current = next
	}
	return entities.NormalizeValue(current), nil
}

func asStringMap(value interface{}) (map[string]interface{}, bool) {
	switch m := value.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			if ks, ok := k.(string); ok {
				out[ks] = v
			}
		}
		return out, true
	default:
		return nil, false
	}
}
