package evaluator

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/config"
	"github.com/LegoTypes/ha-synthetic-sensors-sub003/entities"
)

func newTestPipeline(store *entities.Store, maxDepth int) *Pipeline {
	return NewPipeline(store, NewQueryResolver(store, nil, zerolog.Nop()), maxDepth, zerolog.Nop())
}

func contextFor(t *testing.T, set *config.SensorSet, sensorKey, formulaID string) *evalContext {
	t.Helper()
	sensor := set.SensorByKey(sensorKey)
	if sensor == nil {
		t.Fatalf("sensor %q not found", sensorKey)
	}
	for idx := range sensor.Formulas {
		if sensor.Formulas[idx].ID == formulaID {
			return newEvalContext(set, sensor, &sensor.Formulas[idx])
		}
	}
	t.Fatalf("formula %q not found", formulaID)
	return nil
}

func TestPipelineBindsLiteralAndEntityVariables(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.grid", 1500.0)

	set := makeSet(t, config.Sensor{
		Key: "total",
		Formulas: []config.Formula{{
			Formula: "grid * factor",
			Variables: map[string]config.Variable{
				"grid":   config.EntityVar("sensor.grid"),
				"factor": config.LiteralVar(0.001),
			},
		}},
	})

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "grid * factor" {
		t.Fatalf("text = %q", text)
	}
	if ctx.env["grid"] != 1500.0 || ctx.env["factor"] != 0.001 {
		t.Fatalf("env = %v", ctx.env)
	}
	if len(ctx.entitiesSeen) != 1 || ctx.entitiesSeen[0] != "sensor.grid" {
		t.Fatalf("entities seen = %v", ctx.entitiesSeen)
	}
}

func TestPipelineReportsMissingEntities(t *testing.T) {
	store := entities.NewStore()
	set := makeSet(t, mainOnly("total", "sensor.absent + sensor.also_absent"))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	_, err := p.Run(ctx)
	var missing *MissingEntityError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingEntityError", err)
	}
	if len(missing.EntityIDs) != 2 {
		t.Fatalf("missing = %v", missing.EntityIDs)
	}
}

func TestPipelineReportsUnresolvedVariable(t *testing.T) {
	store := entities.NewStore()
	set := makeSet(t, mainOnly("total", "mystery + 1"))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	_, err := p.Run(ctx)
	var unresolved *UnresolvedVariableError
	if !errors.As(err, &unresolved) {
		t.Fatalf("error = %v, want UnresolvedVariableError", err)
	}
	if unresolved.Variable != "mystery" {
		t.Fatalf("variable = %q", unresolved.Variable)
	}
}

func TestPipelineResolvesComputedVariables(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.grid", 100.0)

	set := makeSet(t, config.Sensor{
		Key: "total",
		Formulas: []config.Formula{{
			Formula: "adjusted + 1",
			Variables: map[string]config.Variable{
				"adjusted": config.ComputedVar("grid * 2", map[string]config.Variable{
					"grid": config.EntityVar("sensor.grid"),
				}),
			},
		}},
	})

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "adjusted + 1" {
		t.Fatalf("text = %q", text)
	}
	if ctx.env["adjusted"] != 200.0 {
		t.Fatalf("adjusted = %v", ctx.env["adjusted"])
	}
}

func TestPipelineGuardsRecursiveComputedVariables(t *testing.T) {
	store := entities.NewStore()
	set := &config.SensorSet{
		ID: "test",
		Variables: map[string]config.Variable{
			"loop": config.ComputedVar("loop + 1", nil),
		},
		Sensors: []config.Sensor{mainOnly("total", "loop")},
	}
	if err := set.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	_, err := p.Run(ctx)
	var depth *ComputedDepthError
	if !errors.As(err, &depth) {
		t.Fatalf("error = %v, want ComputedDepthError", err)
	}
	if depth.Variable != "loop" {
		t.Fatalf("variable = %q", depth.Variable)
	}
}

func TestPipelineLimitsComputedNestingDepth(t *testing.T) {
	store := entities.NewStore()
	set := &config.SensorSet{
		ID: "test",
		Variables: map[string]config.Variable{
			"a": config.ComputedVar("b + 1", nil),
			"b": config.ComputedVar("c + 1", nil),
			"c": config.ComputedVar("1", nil),
		},
		Sensors: []config.Sensor{mainOnly("total", "a")},
	}
	if err := set.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	p := newTestPipeline(store, 2)
	ctx := contextFor(t, set, "total", "total")
	if _, err := p.Run(ctx); err == nil {
		t.Fatal("expected depth error for nesting of three")
	}

	deep := newTestPipeline(store, 5)
	ctx = contextFor(t, set, "total", "total")
	if _, err := deep.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ctx.env["a"] != 3.0 {
		t.Fatalf("a = %v", ctx.env["a"])
	}
}

func TestPipelineVariableAttributePath(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.phone", "ok")
	store.SetAttributes("sensor.phone", map[string]interface{}{"battery_level": 80})

	set := makeSet(t, config.Sensor{
		Key: "monitor",
		Formulas: []config.Formula{{
			Formula: "device.battery_level / 100",
			Variables: map[string]config.Variable{
				"device": config.EntityVar("sensor.phone"),
			},
		}},
	})

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "monitor", "monitor")
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "__ref_0 / 100" {
		t.Fatalf("text = %q", text)
	}
	if ctx.env["__ref_0"] != 80.0 {
		t.Fatalf("__ref_0 = %v", ctx.env["__ref_0"])
	}
}

func TestPipelineEntityAttributePath(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.circuit_a", 120.0)
	store.SetAttributes("sensor.circuit_a", map[string]interface{}{
		"meta": map[string]interface{}{"voltage": 230},
	})

	set := makeSet(t, mainOnly("monitor", "sensor.circuit_a.meta.voltage + 1"))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "monitor", "monitor")
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "__ref_0 + 1" {
		t.Fatalf("text = %q", text)
	}
	if ctx.env["__ref_0"] != 230.0 {
		t.Fatalf("__ref_0 = %v", ctx.env["__ref_0"])
	}
}

func TestPipelineAttributePathErrorNamesSegment(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.circuit_a", 120.0)
	store.SetAttributes("sensor.circuit_a", map[string]interface{}{"voltage": 230})

	set := makeSet(t, mainOnly("monitor", "sensor.circuit_a.wattage + 1"))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "monitor", "monitor")
	_, err := p.Run(ctx)
	var pathErr *AttributePathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("error = %v, want AttributePathError", err)
	}
	if pathErr.Segment != "wattage" {
		t.Fatalf("segment = %q", pathErr.Segment)
	}
	if !strings.Contains(err.Error(), "sensor.circuit_a.wattage") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestPipelineStateTokenReadsBackingEntity(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.meter", 42.0)

	set := makeSet(t, config.Sensor{
		Key:      "total",
		EntityID: "sensor.meter",
		Formulas: []config.Formula{{Formula: "state * 2"}},
	})

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "state * 2" {
		t.Fatalf("text = %q", text)
	}
	if ctx.env["state"] != 42.0 {
		t.Fatalf("state = %v", ctx.env["state"])
	}
}

func TestPipelineStateTokenWithoutBackingEntityIsFatal(t *testing.T) {
	store := entities.NewStore()
	set := makeSet(t, mainOnly("total", "state * 2"))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	_, err := p.Run(ctx)
	var backing *BackingEntityError
	if !errors.As(err, &backing) {
		t.Fatalf("error = %v, want BackingEntityError", err)
	}
}

func TestPipelineStateTokenUnregisteredBackingEntityIsFatal(t *testing.T) {
	store := entities.NewStore()
	set := makeSet(t, config.Sensor{
		Key:      "total",
		EntityID: "sensor.gone",
		Formulas: []config.Formula{{Formula: "state * 2"}},
	})

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	_, err := p.Run(ctx)
	var backing *BackingEntityError
	if !errors.As(err, &backing) {
		t.Fatalf("error = %v, want BackingEntityError", err)
	}
	if backing.EntityID != "sensor.gone" {
		t.Fatalf("entity = %q", backing.EntityID)
	}
}

func TestPipelineStateTokenUnavailableBackingIsTransitory(t *testing.T) {
	store := entities.NewStore()
	store.MarkUnavailable("sensor.meter")

	set := makeSet(t, config.Sensor{
		Key:      "total",
		EntityID: "sensor.meter",
		Formulas: []config.Formula{{Formula: "state * 2"}},
	})

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if kind := ctx.degradedKind(); kind != AlternateUnavailable {
		t.Fatalf("degraded kind = %q, want unavailable", kind)
	}
	if ids := ctx.degradedEntityIDs(); len(ids) != 1 || ids[0] != "sensor.meter" {
		t.Fatalf("degraded entities = %v", ids)
	}
}

func TestPipelineSentinelStringsAreTransitory(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.a", "unknown")
	store.Set("sensor.b", "unavailable")

	set := makeSet(t, mainOnly("total", "sensor.a + sensor.b"))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Unavailable outranks unknown when both are present.
	if kind := ctx.degradedKind(); kind != AlternateUnavailable {
		t.Fatalf("degraded kind = %q, want unavailable", kind)
	}
	if len(ctx.degraded) != 2 {
		t.Fatalf("degraded = %+v", ctx.degraded)
	}
}

func TestPipelineAttributeFormulaSeesMainResult(t *testing.T) {
	store := entities.NewStore()
	set := makeSet(t, config.Sensor{
		Key: "power",
		Formulas: []config.Formula{
			{Formula: "10"},
			{Attribute: "doubled", Formula: "state * 2"},
		},
	})

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "power", "power_doubled")
	ctx.mainResult = 10.0
	ctx.hasMainResult = true
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "state * 2" || ctx.env["state"] != 10.0 {
		t.Fatalf("text = %q, env = %v", text, ctx.env)
	}
}

func TestPipelineAttributeFormulaInheritsMainVariables(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.grid", 100.0)

	set := makeSet(t, config.Sensor{
		Key: "power",
		Formulas: []config.Formula{
			{
				Formula: "grid",
				Variables: map[string]config.Variable{
					"grid": config.EntityVar("sensor.grid"),
				},
			},
			{Attribute: "halved", Formula: "grid / 2"},
		},
	})

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "power", "power_halved")
	ctx.mainResult = 100.0
	ctx.hasMainResult = true
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ctx.env["grid"] != 100.0 {
		t.Fatalf("grid = %v", ctx.env["grid"])
	}
	// Inheritance is read-time only: the attribute formula's own variable
	// table stays empty.
	if len(set.Sensors[0].Formulas[1].Variables) != 0 {
		t.Fatalf("attribute variables mutated: %v", set.Sensors[0].Formulas[1].Variables)
	}
}

func TestPipelineExpandsCollections(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.kitchen_power", 150.0)
	store.SetMeta("sensor.kitchen_power", "power", "kitchen")
	store.Set("sensor.hall_power", 30.0)
	store.SetMeta("sensor.hall_power", "power", "hall")

	set := makeSet(t, mainOnly("total", `sum("device_class:power") + 1`))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "180 + 1" {
		t.Fatalf("text = %q", text)
	}
	if len(ctx.entitiesSeen) != 2 {
		t.Fatalf("entities seen = %v", ctx.entitiesSeen)
	}
}

func TestPipelineCountOverEmptySetIsZero(t *testing.T) {
	store := entities.NewStore()
	set := makeSet(t, mainOnly("total", `count("device_class:door")`))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "0" {
		t.Fatalf("text = %q", text)
	}
	if kind := ctx.degradedKind(); kind != "" {
		t.Fatalf("count must not degrade, got %q", kind)
	}
}

func TestPipelineEmptyAggregationDegradesToUnknown(t *testing.T) {
	store := entities.NewStore()
	set := makeSet(t, mainOnly("total", `avg("device_class:power")`))

	p := newTestPipeline(store, 0)
	ctx := contextFor(t, set, "total", "total")
	text, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if text != "0" {
		t.Fatalf("text = %q", text)
	}
	if kind := ctx.degradedKind(); kind != AlternateUnknown {
		t.Fatalf("degraded kind = %q, want unknown", kind)
	}
}

func TestPipelineIsDeterministic(t *testing.T) {
	store := entities.NewStore()
	store.Set("sensor.grid", 100.0)
	store.SetAttributes("sensor.grid", map[string]interface{}{"phase": map[string]interface{}{"a": 1}})

	set := makeSet(t, mainOnly("total", "sensor.grid + sensor.grid.phase.a"))

	p := newTestPipeline(store, 0)
	first := contextFor(t, set, "total", "total")
	firstText, err := p.Run(first)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	second := contextFor(t, set, "total", "total")
	secondText, err := p.Run(second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if firstText != secondText {
		t.Fatalf("texts differ: %q vs %q", firstText, secondText)
	}
	if fingerprintEnv(first.env) != fingerprintEnv(second.env) {
		t.Fatalf("fingerprints differ: %v vs %v", first.env, second.env)
	}
}
