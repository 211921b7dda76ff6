package evaluator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/LegoTypes/ha-synthetic-sensors-sub003/entities"
)

// ComparisonHandler lets hosts plug in comparison semantics for typed
// values, e.g. values carrying units. Handlers are consulted in registration
// order before the built-in comparator.
type ComparisonHandler interface {
	// CanCompare reports whether the handler claims this pair of operands.
	CanCompare(left, right interface{}) bool
	// Compare applies one of <, <=, >, >=, ==, != to the operands.
	Compare(left, right interface{}, op string) (bool, error)
}

// QueryResolver resolves dynamic collection queries against the entity
// catalog snapshot.
type QueryResolver struct {
	catalog  entities.Catalog
	handlers []ComparisonHandler
	logger   zerolog.Logger
}

// NewQueryResolver builds a resolver. Handlers may be nil.
func NewQueryResolver(catalog entities.Catalog, handlers []ComparisonHandler, logger zerolog.Logger) *QueryResolver {
	return &QueryResolver{
		catalog:  catalog,
		handlers: handlers,
		logger:   logger.With().Str("component", "collections").Logger(),
	}
}

// Resolve returns the entity ids matching the query, in catalog order. A
// query matching nothing returns an empty list, never an error; entities
// whose values cannot be interpreted for a comparison simply do not match.
func (r *QueryResolver) Resolve(q Query) []string {
	alternatives := splitAlternatives(q.Pattern)
	entries := r.catalog.Entries()
	matched := make([]string, 0, len(entries))
	for _, entry := range entries {
		if r.matchesAny(q, entry, alternatives) {
			matched = append(matched, entry.EntityID)
		}
	}
	return matched
}

// splitAlternatives splits an OR pattern on pipes. Empty segments (from
// "a||b" or a trailing pipe) are preserved here and skipped as no-op
// alternatives during matching.
func splitAlternatives(pattern string) []string {
	return strings.Split(pattern, "|")
}

func (r *QueryResolver) matchesAny(q Query, entry entities.CatalogEntry, alternatives []string) bool {
	for _, alt := range alternatives {
		if alt == "" {
			continue
		}
		if r.matchesAlternative(q, entry, alt) {
			return true
		}
	}
	return false
}

func (r *QueryResolver) matchesAlternative(q Query, entry entities.CatalogEntry, alt string) bool {
	switch q.Type {
	case QueryRegex:
		re, err := regexp.Compile(alt)
		if err != nil {
			r.logger.Debug().Str("pattern", alt).Err(err).Msg("invalid regex alternative")
			return false
		}
		return re.MatchString(entry.EntityID)
	case QueryLabel:
		for _, label := range entry.Labels {
			if label == alt {
				return true
			}
		}
		return false
	case QueryArea:
		return entry.Area == alt
	case QueryDeviceClass:
		if negated, ok := strings.CutPrefix(alt, "!"); ok {
			return entry.DeviceClass != negated
		}
		return entry.DeviceClass == alt
	case QueryState:
		return r.matchesValue(entry.State, alt)
	case QueryAttribute:
		name, condition := splitAttributeCondition(alt)
		if name == "" {
			return false
		}
		value, ok := entry.Attributes[name]
		if !ok {
			return false
		}
		if condition == "" {
			return true
		}
		return r.matchesValue(value, condition)
	default:
		return false
	}
}

// splitAttributeCondition splits "battery_level>50" into name and the
// remaining comparison text. A bare attribute name means "attribute is set".
func splitAttributeCondition(alt string) (string, string) {
	for idx := 0; idx < len(alt); idx++ {
		switch alt[idx] {
		case '<', '>', '=', '!':
			return strings.TrimSpace(alt[:idx]), strings.TrimSpace(alt[idx:])
		}
	}
	return strings.TrimSpace(alt), ""
}

// matchesValue applies a single comparison alternative to an entity value.
// The condition carries an optional operator prefix: <, <=, >, >=, =, ==,
// != or a leading ! for negation; a bare value means equality.
func (r *QueryResolver) matchesValue(value interface{}, condition string) bool {
	op, operand := splitOperator(condition)
	if value == nil {
		return false
	}
	result, err := r.compare(value, operand, op)
	if err != nil {
		// Malformed per-entity values mean "does not match", never abort.
		r.logger.Debug().Str("condition", condition).Err(err).Msg("comparison skipped")
		return false
	}
	return result
}

func splitOperator(condition string) (string, string) {
	switch {
	case strings.HasPrefix(condition, ">="):
		return ">=", strings.TrimSpace(condition[2:])
	case strings.HasPrefix(condition, "<="):
		return "<=", strings.TrimSpace(condition[2:])
	case strings.HasPrefix(condition, "=="):
		return "==", strings.TrimSpace(condition[2:])
	case strings.HasPrefix(condition, "!="):
		return "!=", strings.TrimSpace(condition[2:])
	case strings.HasPrefix(condition, ">"):
		return ">", strings.TrimSpace(condition[1:])
	case strings.HasPrefix(condition, "<"):
		return "<", strings.TrimSpace(condition[1:])
	case strings.HasPrefix(condition, "="):
		return "==", strings.TrimSpace(condition[1:])
	case strings.HasPrefix(condition, "!"):
		return "!=", strings.TrimSpace(condition[1:])
	default:
		return "==", condition
	}
}

// compare runs the handler chain, then the built-in comparator. User
// handlers always win over the default scalar comparison.
func (r *QueryResolver) compare(left interface{}, right string, op string) (bool, error) {
	for _, handler := range r.handlers {
		if handler.CanCompare(left, right) {
			return handler.Compare(left, right, op)
		}
	}
	return defaultCompare(left, right, op)
}

// defaultCompare compares through decimal when both operands parse as
// numbers, otherwise falls back to string equality. Ordered operators on
// non-numeric operands are an error, which callers treat as no-match.
func defaultCompare(left interface{}, right string, op string) (bool, error) {
	leftDec, leftOK := toDecimal(left)
	rightDec, rightErr := decimal.NewFromString(right)
	if leftOK && rightErr == nil {
		cmp := leftDec.Cmp(rightDec)
		switch op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		case ">=":
			return cmp >= 0, nil
		case "==":
			return cmp == 0, nil
		case "!=":
			return cmp != 0, nil
		}
		return false, fmt.Errorf("unsupported operator %q", op)
	}
	leftStr := fmt.Sprintf("%v", left)
	switch op {
	case "==":
		return leftStr == right, nil
	case "!=":
		return leftStr != right, nil
	default:
		return false, fmt.Errorf("operator %q requires numeric operands, got %q and %q", op, leftStr, right)
	}
}

func toDecimal(value interface{}) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		dec, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	default:
		return decimal.Zero, false
	}
}

// ErrEmptyAggregation marks aggregations that have no defined value over an
// empty entity set. The evaluator surfaces it as an unknown result state.
var ErrEmptyAggregation = errors.New("aggregation over empty entity set")

// Aggregate applies the named function over the collected values. count is
// defined for every set; sum of nothing is zero; avg, min and max over an
// empty set have no value.
func Aggregate(fn string, values []float64) (float64, error) {
	switch fn {
	case "count":
		return float64(len(values)), nil
	case "sum":
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total, nil
	case "avg", "mean":
		if len(values) == 0 {
			return 0, ErrEmptyAggregation
		}
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total / float64(len(values)), nil
	case "min":
		if len(values) == 0 {
			return 0, ErrEmptyAggregation
		}
		out := values[0]
		for _, v := range values[1:] {
			if v < out {
				out = v
			}
		}
		return out, nil
	case "max":
		if len(values) == 0 {
			return 0, ErrEmptyAggregation
		}
		out := values[0]
		for _, v := range values[1:] {
			if v > out {
				out = v
			}
		}
		return out, nil
	default:
		return 0, fmt.Errorf("unsupported aggregation %q", fn)
	}
}
