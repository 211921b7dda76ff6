package evaluator

import (
	"sort"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/config"
)

// formulaNode is one graph node: a formula together with its declaration
// position, used as the deterministic tie-break during topological sorting.
type formulaNode struct {
	formula *config.Formula
	sensor  *config.Sensor
	order   int
	deps    ParsedDependencies
}

// DependencyGraph is the validated evaluation plan for a sensor set: the
// edge relation between formulas and a topological order honoring it.
type DependencyGraph struct {
	nodes map[string]*formulaNode
	edges map[string][]string
	order []string
}

// EvaluationOrder returns formula ids in dependency-respecting order. Among
// formulas with no unresolved predecessors, declaration order wins: mains
// before their attributes, sensors and attributes in declared order.
func (g *DependencyGraph) EvaluationOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the parsed dependency breakdown of a formula.
func (g *DependencyGraph) Dependencies(formulaID string) (ParsedDependencies, bool) {
	node, ok := g.nodes[formulaID]
	if !ok {
		return ParsedDependencies{}, false
	}
	return node.deps, true
}

// DependentsOf returns the formula ids that must be re-evaluated when the
// given entity id changes state.
func (g *DependencyGraph) DependentsOf(entityID string) []string {
	var out []string
	for _, id := range g.order {
		node := g.nodes[id]
		if _, ok := node.deps.Static[entityID]; ok {
			out = append(out, id)
			continue
		}
		if node.sensor.EntityID == entityID {
			out = append(out, id)
		}
	}
	return out
}

// BuildGraph parses every formula in the set, derives the edge relation
// (cross-sensor edges, attribute edges within a sensor) and computes the
// evaluation order. It fails on self-references and cycles; a configuration
// that does not validate here must never be evaluated or stored.
func BuildGraph(set *config.SensorSet) (*DependencyGraph, error) {
	graph := &DependencyGraph{
		nodes: make(map[string]*formulaNode),
		edges: make(map[string][]string),
	}

	// byReference maps every way a formula can be addressed (sensor key,
	// backing entity id, sensor-prefixed entity id) to its formula id.
	byReference := make(map[string]string)
	order := 0
	for sIdx := range set.Sensors {
		sensor := &set.Sensors[sIdx]
		for fIdx := range sensor.Formulas {
			formula := &sensor.Formulas[fIdx]
			graph.nodes[formula.ID] = &formulaNode{formula: formula, sensor: sensor, order: order}
			order++
		}
		byReference[sensor.Key] = sensor.Key
		byReference["sensor."+sensor.Key] = sensor.Key
		if sensor.EntityID != "" {
			if _, taken := byReference[sensor.EntityID]; !taken {
				byReference[sensor.EntityID] = sensor.Key
			}
		}
	}

	for sIdx := range set.Sensors {
		sensor := &set.Sensors[sIdx]
		for fIdx := range sensor.Formulas {
			formula := &sensor.Formulas[fIdx]
			node := graph.nodes[formula.ID]
			node.deps = ParseDependencies(formula.Formula, knownVariableNames(set, sensor, formula))
			if err := addFormulaEdges(graph, set, sensor, formula, node.deps, byReference); err != nil {
				return nil, err
			}
			if fIdx > 0 {
				// Attribute formulas read the main formula's freshly
				// computed value through the state token.
				addEdge(graph, sensor.Key, formula.ID)
			}
		}
	}

	order2, err := graph.topoSort()
	if err != nil {
		return nil, err
	}
	graph.order = order2
	return graph, nil
}

// knownVariableNames collects every bare identifier a formula may refer to:
// declared variables in scope plus the set's sensor keys, so cross-sensor
// references by key participate in edge derivation.
func knownVariableNames(set *config.SensorSet, sensor *config.Sensor, formula *config.Formula) map[string]struct{} {
	known := make(map[string]struct{}, len(formula.Variables)+len(set.Variables)+len(set.Sensors))
	for idx := range set.Sensors {
		known[set.Sensors[idx].Key] = struct{}{}
	}
	for name := range set.Variables {
		known[name] = struct{}{}
	}
	if !formula.IsMain() {
		if main := sensor.MainFormula(); main != nil {
			for name := range main.Variables {
				known[name] = struct{}{}
			}
		}
	}
	for name := range formula.Variables {
		known[name] = struct{}{}
	}
	return known
}

func addFormulaEdges(graph *DependencyGraph, set *config.SensorSet, sensor *config.Sensor, formula *config.Formula, deps ParsedDependencies, byReference map[string]string) error {
	refs := make([]string, 0, len(deps.Static)+len(deps.DotRefs))
	refs = append(refs, deps.StaticList()...)
	for ref := range deps.DotRefs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		head := ref
		var path []string
		if idx := indexOfEntityBoundary(ref, byReference); idx >= 0 {
			head = ref[:idx]
			path = splitPath(ref[idx:])
		}
		targetKey, ok := byReference[head]
		if !ok {
			continue
		}
		if targetKey == sensor.Key {
			return &SelfReferenceError{FormulaID: formula.ID, Reference: head}
		}
		target := set.SensorByKey(targetKey)
		targetID := targetKey
		if len(path) > 0 {
			if attr := target.AttributeFormula(path[0]); attr != nil {
				targetID = attr.ID
			}
		}
		addEdge(graph, targetID, formula.ID)
	}
	return nil
}

// indexOfEntityBoundary finds where a dotted reference's addressable head
// ends: the longest prefix present in byReference wins, so both "other_key"
// and "sensor.other_key" resolve with their attribute path intact.
func indexOfEntityBoundary(ref string, byReference map[string]string) int {
	if _, ok := byReference[ref]; ok {
		return len(ref)
	}
	for idx := len(ref) - 1; idx > 0; idx-- {
		if ref[idx] != '.' {
			continue
		}
		if _, ok := byReference[ref[:idx]]; ok {
			return idx
		}
	}
	return -1
}

func splitPath(dotted string) []string {
	if dotted == "" {
		return nil
	}
	if dotted[0] == '.' {
		dotted = dotted[1:]
	}
	if dotted == "" {
		return nil
	}
	out := []string{}
	for _, seg := range splitDots(dotted) {
		out = append(out, seg)
	}
	return out
}

func splitDots(s string) []string {
	var out []string
	start := 0
	for idx := 0; idx <= len(s); idx++ {
		if idx == len(s) || s[idx] == '.' {
			out = append(out, s[start:idx])
			start = idx + 1
		}
	}
	return out
}

func addEdge(graph *DependencyGraph, from, to string) {
	if from == to {
		return
	}
	if _, ok := graph.nodes[from]; !ok {
		return
	}
	for _, existing := range graph.edges[from] {
		if existing == to {
			return
		}
	}
	graph.edges[from] = append(graph.edges[from], to)
}

// topoSort is Kahn's algorithm with a declaration-order tie-break so the
// evaluation order is stable for identical configurations.
func (g *DependencyGraph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for from, targets := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			continue
		}
		for _, to := range targets {
			inDegree[to]++
		}
	}

	queue := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	byOrder := func(i, j int) bool {
		return g.nodes[queue[i]].order < g.nodes[queue[j]].order
	}
	sort.Slice(queue, byOrder)

	ordered := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, id)
		for _, succ := range g.edges[id] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Slice(queue, byOrder)
	}

	if len(ordered) != len(g.nodes) {
		return nil, &CycleError{Chain: g.findCycle(ordered)}
	}
	return ordered, nil
}

// findCycle walks the leftover subgraph (nodes Kahn could not release) until
// a node repeats, producing one concrete cycle chain for the error report.
func (g *DependencyGraph) findCycle(ordered []string) []string {
	resolved := make(map[string]struct{}, len(ordered))
	for _, id := range ordered {
		resolved[id] = struct{}{}
	}
	remaining := make([]string, 0)
	for id := range g.nodes {
		if _, ok := resolved[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	sort.Slice(remaining, func(i, j int) bool {
		return g.nodes[remaining[i]].order < g.nodes[remaining[j]].order
	})
	if len(remaining) == 0 {
		return nil
	}

	// Successors restricted to the unresolved subgraph always exist, so the
	// walk must revisit a node.
	next := func(id string) string {
		for _, succ := range g.edges[id] {
			if _, ok := resolved[succ]; !ok {
				return succ
			}
		}
		return ""
	}
	seen := make(map[string]int)
	chain := []string{}
	current := remaining[0]
	for current != "" {
		if at, ok := seen[current]; ok {
			return append(chain[at:], current)
		}
		seen[current] = len(chain)
		chain = append(chain, current)
		current = next(current)
	}
	return chain
}
