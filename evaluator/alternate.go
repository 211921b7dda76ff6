package evaluator

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/config"
)

// AlternateKind names the degraded state an alternate-state handler is
// selected for.
type AlternateKind string

const (
	AlternateUnavailable AlternateKind = "unavailable"
	AlternateUnknown     AlternateKind = "unknown"
	AlternateNone        AlternateKind = "none"
	// AlternateFallback is the catch-all slot and the kind used for
	// arithmetic failures that have no specific slot of their own.
	AlternateFallback AlternateKind = "fallback"
)

// selectSlot applies the priority rules: the slot matching the exact kind
// wins, the fallback slot covers any kind, and an unconfigured handler
// yields no value.
func selectSlot(handler *config.AlternateStateHandler, kind AlternateKind) *config.AlternateValue {
	if handler == nil {
		return nil
	}
	var slot *config.AlternateValue
	switch kind {
	case AlternateUnavailable:
		slot = handler.Unavailable
	case AlternateUnknown:
		slot = handler.Unknown
	case AlternateNone:
		slot = handler.None
	}
	if slot != nil {
		return slot
	}
	return handler.Fallback
}

// resolveAlternate selects and evaluates the alternate value for the given
// degraded kind. The second return reports whether any slot applied. Object
// form slots run through the pipeline and expression evaluator with the
// ambient context merged in; errors from that secondary evaluation
// propagate instead of cascading into further fallbacks.
func (p *Pipeline) resolveAlternate(handler *config.AlternateStateHandler, kind AlternateKind, ctx *evalContext) (interface{}, bool, error) {
	slot := selectSlot(handler, kind)
	if slot == nil {
		return nil, false, nil
	}
	if slot.Formula != nil {
		text, err := p.resolveText(slot.Formula.Formula, slot.Formula.Variables, ctx)
		if err != nil {
			return nil, true, err
		}
		value, err := runExpression(text, ctx.env)
		if err != nil {
			return nil, true, err
		}
		return value, true, nil
	}
	// A configured literal, including an explicit null in the none slot,
	// is returned as-is; strings are classified first.
	if s, ok := slot.Literal.(string); ok {
		value, err := classifyStringValue(s, ctx)
		return value, true, err
	}
	return normalizeLiteral(slot.Literal), true, nil
}

// classifyStringValue decides how a string slot behaves: expression-looking
// strings are evaluated, quoted strings are unquoted, digit strings become
// numbers, anything else stays a literal string.
func classifyStringValue(s string, ctx *evalContext) (interface{}, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) >= 2 {
		first, last := trimmed[0], trimmed[len(trimmed)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return trimmed[1 : len(trimmed)-1], nil
		}
	}
	if dec, err := decimal.NewFromString(trimmed); err == nil {
		f, _ := dec.Float64()
		return f, nil
	}
	if looksLikeExpression(trimmed) {
		// Hyphenated plain strings such as "not-available" look like
		// subtraction; when the evaluation fails the string is the value.
		if value, err := runExpression(trimmed, ctx.env); err == nil {
			return value, nil
		}
	}
	return s, nil
}

// looksLikeExpression detects operator or keyword usage that marks a string
// as something to evaluate rather than return verbatim.
func looksLikeExpression(s string) bool {
	for _, op := range []string{"+", "-", "*", "/", "<", ">", "==", "!=", "(", ")"} {
		if strings.Contains(s, op) {
			return true
		}
	}
	for _, kw := range []string{" and ", " or ", "not "} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func normalizeLiteral(value interface{}) interface{} {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		return v
	default:
		return value
	}
}
