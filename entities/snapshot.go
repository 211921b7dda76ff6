package entities

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Snapshot is a declarative description of entity states, used by the CLI to
// seed a Store for validation and dry-run evaluation.
type Snapshot struct {
	Entities []SnapshotEntity `yaml:"entities"`
}

// SnapshotEntity describes one entity in a snapshot file.
type SnapshotEntity struct {
	ID          string                 `yaml:"id"`
	Value       interface{}            `yaml:"value,omitempty"`
	Unavailable bool                   `yaml:"unavailable,omitempty"`
	DeviceClass string                 `yaml:"device_class,omitempty"`
	Area        string                 `yaml:"area,omitempty"`
	Labels      []string               `yaml:"labels,omitempty"`
	Attributes  map[string]interface{} `yaml:"attributes,omitempty"`
}

// LoadSnapshot reads a snapshot file and materializes it into a fresh Store.
func LoadSnapshot(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	store := NewStore()
	for idx, e := range snap.Entities {
		if e.ID == "" {
			return nil, fmt.Errorf("snapshot %s: entity %d is missing an id", path, idx)
		}
		if e.Unavailable {
			store.MarkUnavailable(e.ID)
		} else {
			store.Set(e.ID, e.Value)
		}
		if e.Attributes != nil {
			store.SetAttributes(e.ID, e.Attributes)
		}
		if e.DeviceClass != "" || e.Area != "" || len(e.Labels) > 0 {
			store.SetMeta(e.ID, e.DeviceClass, e.Area, e.Labels...)
		}
	}
	return store, nil
}
