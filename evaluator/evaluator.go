// Package evaluator implements the synthetic-sensor formula engine: parsing
// formula dependencies, validating the dependency graph, resolving
// variables through an ordered pipeline, rewriting identifiers after
// registrar collisions, and evaluating formulas with caching and a
// per-formula circuit breaker.
package evaluator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/config"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/entities"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/telemetry"
)

// Options configures an Evaluator.
type Options struct {
	// BreakerThreshold is the consecutive fatal-error count after which a
	// formula is skipped until success or reset. Zero selects the default
	// of 5; a negative value disables the breaker.
	BreakerThreshold int
	// MaxComputedDepth bounds recursive computed-variable evaluation.
	MaxComputedDepth int
	// Comparisons are consulted before the built-in comparator when
	// collection queries compare typed values.
	Comparisons []ComparisonHandler
	Telemetry   telemetry.Collector
	Logger      zerolog.Logger
}

// Evaluator owns the evaluation state for one sensor set: its validated
// dependency graph, result cache and circuit breakers. Sensor sets are
// independent; hosts may run one evaluator per set concurrently, but calls
// into a single evaluator are serialized internally.
type Evaluator struct {
	mu sync.Mutex

	set      *config.SensorSet
	graph    *DependencyGraph
	provider entities.DataProvider
	pipeline *Pipeline
	cache    *resultCache
	breakers map[string]*circuitBreaker

	breakerThreshold int
	collector        telemetry.Collector
	logger           zerolog.Logger
}

// New validates the sensor set, builds its dependency graph and returns the
// evaluator. Configurations with cycles or unresolved self-references are
// rejected here and must not be stored.
func New(set *config.SensorSet, provider entities.DataProvider, catalog entities.Catalog, opts Options) (*Evaluator, error) {
	if set == nil {
		return nil, errors.New("sensor set must not be nil")
	}
	if provider == nil {
		return nil, errors.New("data provider must not be nil")
	}
	if err := set.Normalize(); err != nil {
		return nil, err
	}
	graph, err := BuildGraph(set)
	if err != nil {
		return nil, err
	}

	collector := opts.Telemetry
	if collector == nil {
		collector = telemetry.Noop()
	}
	threshold := opts.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	if threshold < 0 {
		threshold = 0
	}
	logger := opts.Logger.With().Str("component", "evaluator").Str("sensor_set", set.ID).Logger()

	queries := NewQueryResolver(catalog, opts.Comparisons, logger)
	eval := &Evaluator{
		set:              set,
		graph:            graph,
		provider:         provider,
		pipeline:         NewPipeline(provider, queries, opts.MaxComputedDepth, logger),
		cache:            newResultCache(),
		breakers:         make(map[string]*circuitBreaker),
		breakerThreshold: threshold,
		collector:        collector,
		logger:           logger,
	}
	collector.SetSensorCount(set.ID, len(set.Sensors))
	return eval, nil
}

// Graph exposes the validated dependency graph.
func (e *Evaluator) Graph() *DependencyGraph {
	return e.graph
}

// EvaluateAll evaluates every formula in dependency order and returns the
// results keyed by formula id. Attribute formulas observe their sensor's
// freshly computed main result through the state token.
func (e *Evaluator) EvaluateAll() map[string]Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make(map[string]Result, len(e.graph.order))
	mainResults := make(map[string]Result, len(e.set.Sensors))
	locals := make(map[string]interface{})
	for _, formulaID := range e.graph.EvaluationOrder() {
		node := e.graph.nodes[formulaID]
		ctx := newEvalContext(e.set, node.sensor, node.formula)
		ctx.locals = locals
		if !node.formula.IsMain() {
			if main, ok := mainResults[node.sensor.Key]; ok {
				ctx.mainResult = main.Value
				ctx.hasMainResult = main.Success
			}
		}
		result := e.evaluateFormula(ctx)
		results[formulaID] = result
		if node.formula.IsMain() {
			mainResults[node.sensor.Key] = result
		}
		if result.Success {
			registerLocal(locals, node, result.Value)
		}
	}
	return results
}

// registerLocal publishes a fresh result under every reference form other
// formulas in the same run may use.
func registerLocal(locals map[string]interface{}, node *formulaNode, value interface{}) {
	key := node.sensor.Key
	if node.formula.IsMain() {
		locals[key] = value
		locals["sensor."+key] = value
		return
	}
	attr := node.formula.Attribute
	locals[key+"."+attr] = value
	locals["sensor."+key+"."+attr] = value
}

// EvaluateFormula evaluates a single formula by id. For attribute formulas
// the sensor's main formula is evaluated first to provide the state token.
func (e *Evaluator) EvaluateFormula(formulaID string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.graph.nodes[formulaID]
	if !ok {
		return Result{}, fmt.Errorf("unknown formula %q", formulaID)
	}
	locals := make(map[string]interface{})
	ctx := newEvalContext(e.set, node.sensor, node.formula)
	ctx.locals = locals
	if !node.formula.IsMain() {
		mainCtx := newEvalContext(e.set, node.sensor, node.sensor.MainFormula())
		mainCtx.locals = locals
		main := e.evaluateFormula(mainCtx)
		ctx.mainResult = main.Value
		ctx.hasMainResult = main.Success
		if main.Success {
			registerLocal(locals, e.graph.nodes[node.sensor.Key], main.Value)
		}
	}
	return e.evaluateFormula(ctx), nil
}

// evaluateFormula runs the full state machine for one formula: breaker
// check, cache lookup, pipeline resolution, expression run, alternate-state
// substitution and bookkeeping.
func (e *Evaluator) evaluateFormula(ctx *evalContext) Result {
	formulaID := ctx.formula.ID
	breaker := e.breaker(formulaID)
	if breaker.open() {
		e.logger.Warn().Str("formula", formulaID).Msg("Skipping formula: circuit breaker open")
		e.collector.IncBreakerSkip(e.set.ID)
		return Result{FormulaID: formulaID, State: StateUnavailable, Skipped: true}
	}

	text, err := e.pipeline.Run(ctx)
	if err != nil {
		return e.fatalResult(ctx, breaker, err)
	}

	if kind := ctx.degradedKind(); kind != "" {
		return e.degradedResult(ctx, breaker, kind)
	}

	fingerprint := fingerprintEnv(ctx.env)
	if cached, ok := e.cache.get(formulaID, fingerprint); ok {
		e.collector.IncCacheHit(e.set.ID)
		return Result{FormulaID: formulaID, Success: true, Value: cached.value, State: cached.state, Cached: true}
	}

	value, err := runExpression(text, ctx.env)
	if err != nil {
		// Arithmetic failures are alternate-state-worthy, not breaker
		// material.
		return e.arithmeticFailure(ctx, err)
	}
	value = entities.NormalizeValue(value)
	if nonFiniteResult(value) {
		return e.arithmeticFailure(ctx, fmt.Errorf("formula %s: non-finite result", formulaID))
	}

	breaker.recordSuccess()
	e.cache.store(formulaID, fingerprint, ctx.entitiesSeen, cachedResult{value: value, state: StateOK})
	e.collector.IncEvaluation(e.set.ID, string(StateOK))
	e.logger.Trace().Str("formula", formulaID).Msg("formula evaluation completed")
	return Result{FormulaID: formulaID, Success: true, Value: value, State: StateOK}
}

// fatalResult converts pipeline errors into the structured failure result
// and advances the circuit breaker.
func (e *Evaluator) fatalResult(ctx *evalContext, breaker *circuitBreaker, err error) Result {
	formulaID := ctx.formula.ID
	breaker.recordFatal()
	e.collector.IncEvaluation(e.set.ID, string(StateUnavailable))
	e.logger.Error().Err(err).Str("formula", formulaID).Int("fatal_errors", breaker.fatal).Msg("formula evaluation failed")

	result := Result{FormulaID: formulaID, State: StateUnavailable, Err: err}
	var missing *MissingEntityError
	if errors.As(err, &missing) {
		result.MissingEntities = missing.EntityIDs
	}
	return result
}

// degradedResult routes transitory dependency states through the
// alternate-state machinery. Without an applicable handler the formula
// reads as unknown with the offending entities enumerated.
func (e *Evaluator) degradedResult(ctx *evalContext, breaker *circuitBreaker, kind AlternateKind) Result {
	formulaID := ctx.formula.ID
	breaker.recordTransitory()

	value, handled, err := e.pipeline.resolveAlternate(ctx.formula.AlternateStates, kind, ctx)
	if err != nil {
		return e.fatalResult(ctx, breaker, err)
	}
	if handled {
		breaker.recordSuccess()
		e.collector.IncEvaluation(e.set.ID, string(StateOK))
		return Result{
			FormulaID:           formulaID,
			Success:             true,
			Value:               value,
			State:               StateOK,
			UnavailableEntities: ctx.degradedEntityIDs(),
		}
	}
	e.collector.IncEvaluation(e.set.ID, string(StateUnknown))
	e.logger.Debug().Str("formula", formulaID).Strs("entities", ctx.degradedEntityIDs()).Msg("dependencies degraded, no alternate state configured")
	return Result{
		FormulaID:           formulaID,
		State:               StateUnknown,
		UnavailableEntities: ctx.degradedEntityIDs(),
	}
}

// arithmeticFailure handles evaluation-time failures such as division by
// zero: the fallback slot applies when configured, otherwise the result
// state is unknown.
func (e *Evaluator) arithmeticFailure(ctx *evalContext, cause error) Result {
	formulaID := ctx.formula.ID
	value, handled, err := e.pipeline.resolveAlternate(ctx.formula.AlternateStates, AlternateFallback, ctx)
	if err != nil {
		return e.fatalResult(ctx, e.breaker(formulaID), err)
	}
	if handled {
		e.breaker(formulaID).recordSuccess()
		e.collector.IncEvaluation(e.set.ID, string(StateOK))
		return Result{FormulaID: formulaID, Success: true, Value: value, State: StateOK}
	}
	e.collector.IncEvaluation(e.set.ID, string(StateUnknown))
	e.logger.Debug().Err(cause).Str("formula", formulaID).Msg("evaluation produced no usable value")
	return Result{FormulaID: formulaID, State: StateUnknown, Err: cause}
}

func (e *Evaluator) breaker(formulaID string) *circuitBreaker {
	b, ok := e.breakers[formulaID]
	if !ok {
		b = newCircuitBreaker(e.breakerThreshold)
		e.breakers[formulaID] = b
	}
	return b
}

// ResetBreaker clears the error counters for one formula, re-enabling
// evaluation after a fatal streak.
func (e *Evaluator) ResetBreaker(formulaID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[formulaID]; ok {
		b.reset()
	}
}

// OnEntityRenamed rewrites every stored reference from the old id to the
// new one, rebuilds the dependency graph and invalidates affected cache
// entries.
func (e *Evaluator) OnEntityRenamed(oldID, newID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	RenameEntity(e.set, oldID, newID)
	graph, err := BuildGraph(e.set)
	if err != nil {
		return fmt.Errorf("rebuild graph after rename %s -> %s: %w", oldID, newID, err)
	}
	e.graph = graph
	e.cache.invalidateEntities(oldID, newID)
	// Rewritten formulas may have cached entries fingerprinted before the
	// renamed entity was ever read; drop them by formula id as well.
	for _, formulaID := range graph.DependentsOf(newID) {
		e.cache.invalidateFormula(formulaID)
	}
	return nil
}

// OnStatesChanged invalidates cache entries for formulas depending on the
// changed entities. Nothing else is flushed.
func (e *Evaluator) OnStatesChanged(entityIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.invalidateEntities(entityIDs...)
}

// InvalidateAll flushes the whole result cache on explicit request.
func (e *Evaluator) InvalidateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.clear()
}
