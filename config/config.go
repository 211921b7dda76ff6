package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Config is the root document consumed by the engine. Logging and telemetry
// sections configure the ambient runtime; sensor sets carry the formulas.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Telemetry  TelemetryConfig  `yaml:"telemetry,omitempty"`
	Evaluation EvaluationConfig `yaml:"evaluation,omitempty"`
	SensorSets []SensorSet      `yaml:"sensor_sets"`

	// Source is the file the configuration was loaded from, if any.
	Source string `yaml:"-"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// LokiConfig enables shipping log lines to a Loki endpoint.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// TelemetryConfig toggles the Prometheus collector.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
}

// EvaluationConfig tunes the evaluator core.
type EvaluationConfig struct {
	// BreakerThreshold is the number of consecutive fatal errors after which
	// a formula stops being evaluated until the next successful run or reset.
	BreakerThreshold int `yaml:"breaker_threshold,omitempty"`
	// MaxComputedDepth bounds recursive computed-variable evaluation.
	MaxComputedDepth int `yaml:"max_computed_depth,omitempty"`
}

// SensorSet groups sensors that share global variables, a dependency graph
// and an evaluator instance.
type SensorSet struct {
	ID        string              `yaml:"id"`
	Variables map[string]Variable `yaml:"variables,omitempty"`
	Sensors   []Sensor            `yaml:"sensors"`
}

// Sensor declares one synthetic sensor: a unique key, an optional backing
// entity the reserved "state" token resolves to, literal attributes, and an
// ordered list of formulas. The first formula is the main formula, the rest
// compute attributes.
type Sensor struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name,omitempty"`
	EntityID string `yaml:"entity_id,omitempty"`
	// Attributes carries literal attribute values published alongside the
	// sensor. Values may reference entity ids and are subject to collision
	// rewriting, including nested maps and lists.
	Attributes map[string]interface{} `yaml:"attributes,omitempty"`
	Formulas   []Formula              `yaml:"formulas"`
}

// Formula is a single computation. The main formula carries an empty
// Attribute; attribute formulas are identified as "<sensor_key>_<attribute>".
type Formula struct {
	ID              string                 `yaml:"-"`
	Attribute       string                 `yaml:"attribute,omitempty"`
	Formula         string                 `yaml:"formula"`
	Variables       map[string]Variable    `yaml:"variables,omitempty"`
	AlternateStates *AlternateStateHandler `yaml:"alternate_states,omitempty"`
	Metadata        map[string]interface{} `yaml:"metadata,omitempty"`
}

// IsMain reports whether the formula is the sensor's main formula.
func (f *Formula) IsMain() bool {
	return f.Attribute == ""
}

// MainFormula returns the sensor's main formula, or nil when the sensor has
// no formulas at all.
func (s *Sensor) MainFormula() *Formula {
	if len(s.Formulas) == 0 {
		return nil
	}
	return &s.Formulas[0]
}

// AttributeFormula returns the formula computing the named attribute.
func (s *Sensor) AttributeFormula(name string) *Formula {
	for idx := range s.Formulas {
		if s.Formulas[idx].Attribute == name {
			return &s.Formulas[idx]
		}
	}
	return nil
}

// SensorByKey returns the sensor with the given key.
func (set *SensorSet) SensorByKey(key string) *Sensor {
	for idx := range set.Sensors {
		if set.Sensors[idx].Key == key {
			return &set.Sensors[idx]
		}
	}
	return nil
}

// Load reads, schema-checks and decodes a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Source = path
	return cfg, nil
}

// Parse validates raw YAML against the CUE schema, decodes it and normalizes
// the result. The returned configuration is ready for graph building.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize assigns formula ids, applies defaults and enforces the
// structural invariants that do not require graph analysis.
func (c *Config) Normalize() error {
	if c.Evaluation.BreakerThreshold < 0 {
		return fmt.Errorf("evaluation.breaker_threshold must not be negative")
	}
	if c.Evaluation.MaxComputedDepth < 0 {
		return fmt.Errorf("evaluation.max_computed_depth must not be negative")
	}
	seenSets := make(map[string]struct{}, len(c.SensorSets))
	for idx := range c.SensorSets {
		set := &c.SensorSets[idx]
		if set.ID == "" {
			return fmt.Errorf("sensor set %d: id must not be empty", idx)
		}
		if _, ok := seenSets[set.ID]; ok {
			return fmt.Errorf("duplicate sensor set id %q", set.ID)
		}
		seenSets[set.ID] = struct{}{}
		if err := set.Normalize(); err != nil {
			return fmt.Errorf("sensor set %s: %w", set.ID, err)
		}
	}
	return nil
}

// Normalize assigns formula ids and checks the set's structural invariants.
func (set *SensorSet) Normalize() error {
	seen := make(map[string]struct{}, len(set.Sensors))
	for idx := range set.Sensors {
		sensor := &set.Sensors[idx]
		if sensor.Key == "" {
			return fmt.Errorf("sensor %d: key must not be empty", idx)
		}
		if !isValidKey(sensor.Key) {
			return fmt.Errorf("sensor %q: invalid key", sensor.Key)
		}
		if _, ok := seen[sensor.Key]; ok {
			return fmt.Errorf("duplicate sensor key %q", sensor.Key)
		}
		seen[sensor.Key] = struct{}{}
		if err := sensor.normalize(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sensor) normalize() error {
	if len(s.Formulas) == 0 {
		return fmt.Errorf("sensor %s: at least one formula is required", s.Key)
	}
	seenAttrs := make(map[string]struct{}, len(s.Formulas))
	for idx := range s.Formulas {
		formula := &s.Formulas[idx]
		if idx == 0 {
			if formula.Attribute != "" {
				return fmt.Errorf("sensor %s: first formula must be the main formula, got attribute %q", s.Key, formula.Attribute)
			}
			formula.ID = s.Key
		} else {
			if formula.Attribute == "" {
				return fmt.Errorf("sensor %s: formula %d is missing an attribute name", s.Key, idx)
			}
			if !isValidKey(formula.Attribute) {
				return fmt.Errorf("sensor %s: invalid attribute name %q", s.Key, formula.Attribute)
			}
			if _, ok := seenAttrs[formula.Attribute]; ok {
				return fmt.Errorf("sensor %s: duplicate attribute formula %q", s.Key, formula.Attribute)
			}
			seenAttrs[formula.Attribute] = struct{}{}
			formula.ID = s.Key + "_" + formula.Attribute
		}
		if strings.TrimSpace(formula.Formula) == "" {
			return fmt.Errorf("formula %s: expression must not be empty", formula.ID)
		}
		if err := checkVariableNames(formula, s); err != nil {
			return err
		}
	}
	return nil
}

// checkVariableNames rejects variables shadowing the reserved state token or
// colliding with a literal attribute declared on the same sensor.
func checkVariableNames(f *Formula, s *Sensor) error {
	names := make([]string, 0, len(f.Variables))
	for name := range f.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "state" {
			return fmt.Errorf("formula %s: variable name %q is reserved", f.ID, name)
		}
		if !isValidKey(name) {
			return fmt.Errorf("formula %s: invalid variable name %q", f.ID, name)
		}
		if _, ok := s.Attributes[name]; ok {
			return fmt.Errorf("formula %s: variable %q collides with a literal attribute of sensor %s", f.ID, name, s.Key)
		}
	}
	return nil
}

func isValidKey(name string) bool {
	if name == "" {
		return false
	}
	for idx, r := range name {
		if idx == 0 && !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
		if idx > 0 {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return false
			}
		}
	}
	return true
}
