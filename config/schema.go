package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// schemaSource is the CUE skeleton every configuration document must unify
// with before it is decoded. Variable values and alternate-state slots are
// deliberately open since they are tagged variants resolved during decoding.
const schemaSource = `
#Config: {
	logging?: {
		level?:  string
		format?: string
		loki?: {
			enabled?: bool
			url?:     string
			labels?: {[string]: string}
		}
	}
	telemetry?: {
		enabled?: bool
		listen?:  string
	}
	evaluation?: {
		breaker_threshold?:  int & >=0
		max_computed_depth?: int & >=0
	}
	sensor_sets: [...#SensorSet]
}

#SensorSet: {
	id: string & !=""
	variables?: {[string]: _}
	sensors: [...#Sensor]
}

#Sensor: {
	key:        string & !=""
	name?:      string
	entity_id?: string
	attributes?: {[string]: _}
	formulas: [#Formula, ...#Formula]
}

#Formula: {
	attribute?: string
	formula:    string & !=""
	variables?: {[string]: _}
	alternate_states?: {
		unavailable?: _
		unknown?:     _
		none?:        _
		fallback?:    _
	}
	metadata?: {[string]: _}
}
`

// validateSchema unifies the raw YAML document with the CUE schema and
// reports structural violations before any Go-side decoding happens.
func validateSchema(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("build config document: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
