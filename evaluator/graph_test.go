package evaluator

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/config"
)

func makeSet(t *testing.T, sensors ...config.Sensor) *config.SensorSet {
	t.Helper()
	set := &config.SensorSet{ID: "test", Sensors: sensors}
	if err := set.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	return set
}

func mainOnly(key, formula string) config.Sensor {
	return config.Sensor{Key: key, Formulas: []config.Formula{{Formula: formula}}}
}

func TestBuildGraphDeclarationOrderWithoutEdges(t *testing.T) {
	set := makeSet(t,
		mainOnly("alpha", "1"),
		mainOnly("beta", "2"),
		mainOnly("gamma", "3"),
	)
	graph, err := BuildGraph(set)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if got := graph.EvaluationOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestBuildGraphCrossSensorKeyReference(t *testing.T) {
	set := makeSet(t,
		mainOnly("consumer", "producer + 1"),
		mainOnly("producer", "2"),
	)
	graph, err := BuildGraph(set)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	want := []string{"producer", "consumer"}
	if got := graph.EvaluationOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestBuildGraphEntityIDReference(t *testing.T) {
	set := makeSet(t,
		mainOnly("consumer", "sensor.producer + 1"),
		mainOnly("producer", "2"),
	)
	graph, err := BuildGraph(set)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	want := []string{"producer", "consumer"}
	if got := graph.EvaluationOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestBuildGraphBackingEntityReference(t *testing.T) {
	set := makeSet(t,
		mainOnly("consumer", "sensor.meter_total + 1"),
		config.Sensor{
			Key:      "producer",
			EntityID: "sensor.meter_total",
			Formulas: []config.Formula{{Formula: "state * 2"}},
		},
	)
	graph, err := BuildGraph(set)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	want := []string{"producer", "consumer"}
	if got := graph.EvaluationOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestBuildGraphMainBeforeAttributes(t *testing.T) {
	set := makeSet(t,
		config.Sensor{
			Key: "power",
			Formulas: []config.Formula{
				{Formula: "10"},
				{Attribute: "doubled", Formula: "state * 2"},
			},
		},
	)
	graph, err := BuildGraph(set)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	want := []string{"power", "power_doubled"}
	if got := graph.EvaluationOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestBuildGraphAttributePathTargetsAttributeFormula(t *testing.T) {
	set := makeSet(t,
		mainOnly("consumer", "producer.doubled + 1"),
		config.Sensor{
			Key: "producer",
			Formulas: []config.Formula{
				{Formula: "10"},
				{Attribute: "doubled", Formula: "state * 2"},
			},
		},
	)
	graph, err := BuildGraph(set)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	want := []string{"producer", "producer_doubled", "consumer"}
	if got := graph.EvaluationOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestBuildGraphDetectsCycle(t *testing.T) {
	set := makeSet(t,
		mainOnly("a", "b + 1"),
		mainOnly("b", "a + 1"),
	)
	_, err := BuildGraph(set)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("error = %v, want CycleError", err)
	}
	if len(cycle.Chain) < 3 || cycle.Chain[0] != cycle.Chain[len(cycle.Chain)-1] {
		t.Fatalf("chain = %v, want closed cycle", cycle.Chain)
	}
	if !strings.Contains(err.Error(), "circular dependency detected") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestBuildGraphRejectsSelfReference(t *testing.T) {
	set := makeSet(t, mainOnly("recursive", "recursive + 1"))
	_, err := BuildGraph(set)
	var self *SelfReferenceError
	if !errors.As(err, &self) {
		t.Fatalf("error = %v, want SelfReferenceError", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "undefined variable") || !strings.Contains(msg, "state token") {
		t.Fatalf("message = %q", msg)
	}
}

func TestBuildGraphRejectsSelfReferenceByEntityPrefix(t *testing.T) {
	set := makeSet(t,
		config.Sensor{
			Key: "meter",
			Formulas: []config.Formula{
				{Formula: "1"},
				{Attribute: "extra", Formula: "sensor.meter.voltage + 1"},
			},
		},
	)
	_, err := BuildGraph(set)
	var self *SelfReferenceError
	if !errors.As(err, &self) {
		t.Fatalf("error = %v, want SelfReferenceError", err)
	}
}

func TestDependentsOf(t *testing.T) {
	set := makeSet(t,
		mainOnly("first", "sensor.shared + 1"),
		mainOnly("second", "sensor.other + 1"),
		config.Sensor{
			Key:      "backed",
			EntityID: "sensor.shared",
			Formulas: []config.Formula{{Formula: "state"}},
		},
	)
	graph, err := BuildGraph(set)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}
	got := graph.DependentsOf("sensor.shared")
	want := []string{"first", "backed"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dependents = %v, want %v", got, want)
	}
}
