package evaluator

import (
	"strings"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/config"
)

// IdentifierMap maps logical sensor keys to the entity ids the registrar
// actually assigned. Keys may be bare sensor keys; the declared
// "sensor.<key>" form is matched as well.
type IdentifierMap map[string]string

// RewriteSensorSet applies a collision table to a whole sensor set: formula
// text, variable tables, alternate-state handlers and literal attribute
// trees all switch to the resolved identifiers. References of a sensor to
// itself (by key or by its originally declared identifier, bare or as the
// head of a dotted path) are normalized to the reserved state token so
// they survive any later reallocation. The rewrite operates on whole tokens
// only and is idempotent: assigned ids are never mapping keys, so applying
// the same table twice changes nothing.
func RewriteSensorSet(set *config.SensorSet, mapping IdentifierMap) {
	expanded := expandMapping(mapping)
	for idx := range set.Sensors {
		sensor := &set.Sensors[idx]
		self := selfReferences(sensor)
		rewriteSensor(sensor, expanded, self)
	}
}

// RenameEntity rewrites every reference to an externally renamed entity.
// Self-normalization does not apply: the renamed id belongs to the host,
// not to any sensor in the set.
func RenameEntity(set *config.SensorSet, oldID, newID string) {
	mapping := IdentifierMap{oldID: newID}
	for idx := range set.Sensors {
		sensor := &set.Sensors[idx]
		rewriteSensor(sensor, mapping, map[string]struct{}{})
		if sensor.EntityID == oldID {
			sensor.EntityID = newID
		}
	}
}

func expandMapping(mapping IdentifierMap) IdentifierMap {
	expanded := make(IdentifierMap, len(mapping)*2)
	for key, assigned := range mapping {
		expanded[key] = assigned
		if !strings.Contains(key, ".") {
			expanded["sensor."+key] = assigned
		}
	}
	return expanded
}

func selfReferences(sensor *config.Sensor) map[string]struct{} {
	return map[string]struct{}{
		sensor.Key:             {},
		"sensor." + sensor.Key: {},
	}
}

func rewriteSensor(sensor *config.Sensor, mapping IdentifierMap, self map[string]struct{}) {
	for idx := range sensor.Formulas {
		rewriteFormula(&sensor.Formulas[idx], mapping, self)
	}
	if sensor.EntityID != "" {
		if _, own := self[sensor.EntityID]; !own {
			if assigned, ok := mapping[sensor.EntityID]; ok {
				sensor.EntityID = assigned
			}
		}
	}
	sensor.Attributes = rewriteAttributeTree(sensor.Attributes, mapping, self)
}

func rewriteFormula(formula *config.Formula, mapping IdentifierMap, self map[string]struct{}) {
	formula.Formula = rewriteFormulaText(formula.Formula, mapping, self)
	rewriteVariables(formula.Variables, mapping, self)
	rewriteAlternateStates(formula.AlternateStates, mapping, self)
}

func rewriteVariables(vars map[string]config.Variable, mapping IdentifierMap, self map[string]struct{}) {
	for name, decl := range vars {
		vars[name] = rewriteVariable(decl, mapping, self)
	}
}

func rewriteVariable(decl config.Variable, mapping IdentifierMap, self map[string]struct{}) config.Variable {
	switch decl.Kind {
	case config.VariableEntity:
		if _, own := self[decl.Entity]; own {
			decl.Entity = "state"
			return decl
		}
		if assigned, ok := mapping[decl.Entity]; ok {
			decl.Entity = assigned
		}
		return decl
	case config.VariableLiteral:
		if s, ok := decl.Literal.(string); ok {
			if _, own := self[s]; own {
				return config.EntityVar("state")
			}
			if assigned, ok := mapping[s]; ok {
				return config.EntityVar(assigned)
			}
		}
		return decl
	case config.VariableComputed:
		computed := *decl.Computed
		computed.Formula = rewriteFormulaText(computed.Formula, mapping, self)
		if computed.Variables != nil {
			nested := make(map[string]config.Variable, len(computed.Variables))
			for name, v := range computed.Variables {
				nested[name] = rewriteVariable(v, mapping, self)
			}
			computed.Variables = nested
		}
		decl.Computed = &computed
		return decl
	default:
		return decl
	}
}

func rewriteAlternateStates(handler *config.AlternateStateHandler, mapping IdentifierMap, self map[string]struct{}) {
	if handler == nil {
		return
	}
	for _, slot := range []*config.AlternateValue{handler.Unavailable, handler.Unknown, handler.None, handler.Fallback} {
		if slot == nil {
			continue
		}
		if slot.Formula != nil {
			slot.Formula.Formula = rewriteFormulaText(slot.Formula.Formula, mapping, self)
			rewriteVariables(slot.Formula.Variables, mapping, self)
		}
		if s, ok := slot.Literal.(string); ok && slot.HasLiteral {
			slot.Literal = rewriteFormulaText(s, mapping, self)
		}
	}
}

// rewriteAttributeTree walks nested maps and lists, rewriting every string
// leaf token-wise.
func rewriteAttributeTree(value map[string]interface{}, mapping IdentifierMap, self map[string]struct{}) map[string]interface{} {
	if value == nil {
		return nil
	}
	out := make(map[string]interface{}, len(value))
	for k, v := range value {
		out[k] = rewriteAttributeValue(v, mapping, self)
	}
	return out
}

func rewriteAttributeValue(value interface{}, mapping IdentifierMap, self map[string]struct{}) interface{} {
	switch v := value.(type) {
	case string:
		return rewriteFormulaText(v, mapping, self)
	case map[string]interface{}:
		return rewriteAttributeTree(v, mapping, self)
	case []interface{}:
		out := make([]interface{}, len(v))
		for idx, item := range v {
			out[idx] = rewriteAttributeValue(item, mapping, self)
		}
		return out
	default:
		return value
	}
}

// rewriteFormulaText replaces whole-token occurrences of mapped keys. The
// text is lexed once and each identifier token rewritten independently, so
// "base_power" never matches inside "base_power_extended" and multiple
// occurrences of the same key are all replaced regardless of mapping order.
func rewriteFormulaText(text string, mapping IdentifierMap, self map[string]struct{}) string {
	tokens := lexFormula(text)
	changed := false
	for idx := range tokens {
		t := tokens[idx]
		if t.kind != tokenIdentifier {
			continue
		}
		if replacement, ok := rewriteIdentifier(t.text, mapping, self); ok {
			tokens[idx].text = replacement
			changed = true
		}
	}
	if !changed {
		return text
	}
	return renderTokens(tokens)
}

// rewriteIdentifier matches the identifier, or its longest dotted prefix,
// against the self set and the mapping. Self-references win and become the
// state token with any attribute path preserved.
func rewriteIdentifier(ident string, mapping IdentifierMap, self map[string]struct{}) (string, bool) {
	for prefix, rest := ident, ""; prefix != ""; prefix, rest = shrinkPrefix(prefix, rest) {
		if _, own := self[prefix]; own {
			return "state" + rest, true
		}
		if assigned, ok := mapping[prefix]; ok {
			return assigned + rest, true
		}
	}
	return "", false
}

// shrinkPrefix moves the last dotted segment of prefix onto rest.
func shrinkPrefix(prefix, rest string) (string, string) {
	idx := strings.LastIndexByte(prefix, '.')
	if idx < 0 {
		return "", ""
	}
	return prefix[:idx], prefix[idx:] + rest
}
