package evaluator

import (
	"regexp"
	"sort"
	"strings"
)

// QueryType enumerates the supported collection query kinds.
type QueryType string

const (
	QueryRegex       QueryType = "regex"
	QueryLabel       QueryType = "label"
	QueryArea        QueryType = "area"
	QueryDeviceClass QueryType = "device_class"
	QueryState       QueryType = "state"
	QueryAttribute   QueryType = "attribute"
)

// Query is a dynamic entity-set request: an aggregation function applied
// over every entity matching the typed pattern. Pattern text is preserved
// verbatim, including empty or trailing OR segments.
type Query struct {
	Type     QueryType
	Pattern  string
	Function string
}

// ParsedDependencies is the structured breakdown of a formula's references.
type ParsedDependencies struct {
	// Static holds literal entity ids and declared variables backing them.
	Static map[string]struct{}
	// Queries lists dynamic collection queries in left-to-right order.
	Queries []Query
	// DotRefs holds dot-notation references (variable.attr or
	// entity_id.attr paths).
	DotRefs map[string]struct{}
}

// StaticList returns the static dependencies in sorted order.
func (p ParsedDependencies) StaticList() []string {
	out := make([]string, 0, len(p.Static))
	for dep := range p.Static {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// aggregationFunctions are the names recognized as collection calls.
var aggregationFunctions = map[string]struct{}{
	"sum":   {},
	"avg":   {},
	"mean":  {},
	"count": {},
	"min":   {},
	"max":   {},
}

// reservedWords are identifiers the parser never records as dependencies.
// The expression language owns them.
var reservedWords = map[string]struct{}{
	"and": {}, "or": {}, "not": {}, "in": {}, "if": {}, "else": {},
	"true": {}, "false": {}, "nil": {}, "none": {}, "abs": {}, "round": {},
	"floor": {}, "ceil": {}, "len": {},
}

// collectionCallPattern matches <func>( "<body>" ), <func>( '<body>' ) and
// the bare <func>( <body> ) form. The body is checked for the
// "<query_type>:<pattern>" shape separately.
var collectionCallPattern = regexp.MustCompile(`([a-z_]+)\(\s*(?:"([^"]*)"|'([^']*)'|([^)"']+?))\s*\)`)

var queryTypes = map[string]QueryType{
	"regex":        QueryRegex,
	"label":        QueryLabel,
	"area":         QueryArea,
	"device_class": QueryDeviceClass,
	"state":        QueryState,
	"attribute":    QueryAttribute,
}

// collectionCall is one recognized dynamic query with its span in the
// formula text, used both for extraction and for in-place expansion.
type collectionCall struct {
	query Query
	start int
	end   int
}

// findCollectionCalls scans formula text for dynamic query calls in
// left-to-right order.
func findCollectionCalls(formula string) []collectionCall {
	matches := collectionCallPattern.FindAllStringSubmatchIndex(formula, -1)
	calls := make([]collectionCall, 0, len(matches))
	for _, m := range matches {
		fn := formula[m[2]:m[3]]
		if _, ok := aggregationFunctions[fn]; !ok {
			continue
		}
		body := ""
		for _, group := range []int{4, 6, 8} {
			if m[group] >= 0 {
				body = formula[m[group] : m[group+1]]
				break
			}
		}
		sep := strings.Index(body, ":")
		if sep <= 0 {
			continue
		}
		qt, ok := queryTypes[body[:sep]]
		if !ok {
			continue
		}
		calls = append(calls, collectionCall{
			query: Query{Type: qt, Pattern: body[sep+1:], Function: fn},
			start: m[0],
			end:   m[1],
		})
	}
	return calls
}

// ParseDependencies breaks formula text into static dependencies, dynamic
// collection queries and dot-notation references. It is a pure function:
// identical inputs always yield identical output, and no external lookups
// happen. Variable names match on whole tokens only, so "base_power" never
// matches inside "base_power_extended".
func ParseDependencies(formula string, knownVars map[string]struct{}) ParsedDependencies {
	parsed := ParsedDependencies{
		Static:  make(map[string]struct{}),
		DotRefs: make(map[string]struct{}),
	}

	calls := findCollectionCalls(formula)
	for _, call := range calls {
		parsed.Queries = append(parsed.Queries, call.query)
	}

	offset := 0
	for _, t := range lexFormula(formula) {
		start := offset
		offset += len(t.text)
		if t.kind != tokenIdentifier {
			continue
		}
		if insideCollectionCall(calls, start) {
			continue
		}
		classifyIdentifier(t, knownVars, &parsed)
	}
	return parsed
}

func insideCollectionCall(calls []collectionCall, pos int) bool {
	for _, call := range calls {
		if pos >= call.start && pos < call.end {
			return true
		}
	}
	return false
}

func classifyIdentifier(t token, knownVars map[string]struct{}, parsed *ParsedDependencies) {
	segments := t.segments()
	head := segments[0]
	if head == "state" {
		if len(segments) > 1 {
			parsed.DotRefs[t.text] = struct{}{}
		}
		return
	}
	if len(segments) == 1 {
		if _, reserved := reservedWords[head]; reserved {
			return
		}
		if _, fn := aggregationFunctions[head]; fn {
			return
		}
		if _, known := knownVars[head]; known {
			parsed.Static[head] = struct{}{}
		}
		return
	}
	if _, known := knownVars[head]; known {
		// Variable attribute access: the variable itself is a static
		// dependency backing the dot-notation reference.
		parsed.Static[head] = struct{}{}
		parsed.DotRefs[t.text] = struct{}{}
		return
	}
	// domain.object is an entity id; further segments form an attribute path.
	entityID := segments[0] + "." + segments[1]
	parsed.Static[entityID] = struct{}{}
	if len(segments) > 2 {
		parsed.DotRefs[t.text] = struct{}{}
	}
}
