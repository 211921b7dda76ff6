package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// VariableKind discriminates the closed set of variable declarations.
type VariableKind string

const (
	// VariableLiteral is a plain number, bool or string constant.
	VariableLiteral VariableKind = "literal"
	// VariableEntity references an external entity by id.
	VariableEntity VariableKind = "entity"
	// VariableComputed is a nested sub-formula with its own variables.
	VariableComputed VariableKind = "computed"
)

// Variable is a tagged variant: exactly one of Literal, Entity or Computed is
// populated depending on Kind.
type Variable struct {
	Kind     VariableKind
	Literal  interface{}
	Entity   string
	Computed *ComputedVariable
}

// ComputedVariable is a sub-formula evaluated before the owning formula.
type ComputedVariable struct {
	Formula   string              `yaml:"formula"`
	Variables map[string]Variable `yaml:"variables,omitempty"`
}

var entityIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[A-Za-z0-9_]+$`)

// IsEntityID reports whether a string has the domain.object shape of an
// entity identifier.
func IsEntityID(s string) bool {
	return entityIDPattern.MatchString(s)
}

// LiteralVar builds a literal variable.
func LiteralVar(value interface{}) Variable {
	return Variable{Kind: VariableLiteral, Literal: value}
}

// EntityVar builds an entity-reference variable.
func EntityVar(id string) Variable {
	return Variable{Kind: VariableEntity, Entity: id}
}

// ComputedVar builds a computed variable.
func ComputedVar(formula string, vars map[string]Variable) Variable {
	return Variable{Kind: VariableComputed, Computed: &ComputedVariable{Formula: formula, Variables: vars}}
}

// UnmarshalYAML decodes scalar declarations into literals or entity
// references and mapping declarations into computed variables.
func (v *Variable) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		return errors.New("variable node is nil")
	}
	switch node.Kind {
	case yaml.ScalarNode:
		var raw interface{}
		if err := node.Decode(&raw); err != nil {
			return fmt.Errorf("decode variable: %w", err)
		}
		if s, ok := raw.(string); ok && IsEntityID(s) {
			v.Kind = VariableEntity
			v.Entity = s
			return nil
		}
		v.Kind = VariableLiteral
		v.Literal = raw
		return nil
	case yaml.MappingNode:
		var computed ComputedVariable
		if err := node.Decode(&computed); err != nil {
			return fmt.Errorf("decode computed variable: %w", err)
		}
		if strings.TrimSpace(computed.Formula) == "" {
			return errors.New("computed variable is missing a formula")
		}
		v.Kind = VariableComputed
		v.Computed = &computed
		return nil
	default:
		return fmt.Errorf("unsupported variable node kind %d", node.Kind)
	}
}

// MarshalYAML renders the variable back into its declaration form.
func (v Variable) MarshalYAML() (interface{}, error) {
	switch v.Kind {
	case VariableLiteral:
		return v.Literal, nil
	case VariableEntity:
		return v.Entity, nil
	case VariableComputed:
		return v.Computed, nil
	default:
		return nil, fmt.Errorf("unsupported variable kind %q", v.Kind)
	}
}

// AlternateStateHandler configures per-state replacement values evaluated
// when a formula's dependencies are not in a normal state. A nil slot means
// "not configured"; a configured None slot may legitimately hold null.
type AlternateStateHandler struct {
	Unavailable *AlternateValue `yaml:"unavailable,omitempty"`
	Unknown     *AlternateValue `yaml:"unknown,omitempty"`
	None        *AlternateValue `yaml:"none,omitempty"`
	Fallback    *AlternateValue `yaml:"fallback,omitempty"`
}

// UnmarshalYAML decodes the handler slot by slot. Going through the raw
// mapping node keeps an explicit null distinguishable from an unconfigured
// slot, which plain pointer decoding would collapse.
func (h *AlternateStateHandler) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || node.Kind != yaml.MappingNode {
		return errors.New("alternate_states must be a mapping")
	}
	for idx := 0; idx+1 < len(node.Content); idx += 2 {
		keyNode := node.Content[idx]
		var slot AlternateValue
		if err := slot.UnmarshalYAML(node.Content[idx+1]); err != nil {
			return fmt.Errorf("alternate state %q: %w", keyNode.Value, err)
		}
		switch keyNode.Value {
		case "unavailable":
			h.Unavailable = &slot
		case "unknown":
			h.Unknown = &slot
		case "none":
			h.None = &slot
		case "fallback":
			h.Fallback = &slot
		default:
			return fmt.Errorf("unknown alternate state %q", keyNode.Value)
		}
	}
	return nil
}

// AlternateValue is either a literal (which may be null) or an object-form
// sub-formula with its own variables.
type AlternateValue struct {
	Literal    interface{}
	HasLiteral bool
	Formula    *ComputedVariable
}

// UnmarshalYAML decodes a slot value. Mapping nodes carrying a formula key
// become object-form handlers; everything else, including an explicit null,
// is stored as a literal.
func (a *AlternateValue) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		return errors.New("alternate state node is nil")
	}
	if node.Kind == yaml.MappingNode {
		var computed ComputedVariable
		if err := node.Decode(&computed); err != nil {
			return fmt.Errorf("decode alternate state formula: %w", err)
		}
		if strings.TrimSpace(computed.Formula) == "" {
			return errors.New("alternate state object form is missing a formula")
		}
		a.Formula = &computed
		return nil
	}
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode alternate state literal: %w", err)
	}
	a.Literal = raw
	a.HasLiteral = true
	return nil
}

// MarshalYAML renders the slot back into its declaration form.
func (a AlternateValue) MarshalYAML() (interface{}, error) {
	if a.Formula != nil {
		return a.Formula, nil
	}
	return a.Literal, nil
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
