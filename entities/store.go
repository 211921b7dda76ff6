package entities

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
)

// entity is the mutable record behind one entity id.
type entity struct {
	value       interface{}
	exists      bool
	deviceClass string
	area        string
	labels      []string
	attributes  map[string]interface{}
}

// Store is an in-memory DataProvider, Catalog and Registrar. Tests and the
// CLI feed it from snapshots; hosts embed their own implementations behind
// the same interfaces.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*entity
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entities: make(map[string]*entity)}
}

// Set stores a value for an entity, creating it when needed.
func (s *Store) Set(entityID string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(entityID)
	e.value = NormalizeValue(value)
	e.exists = true
}

// SetAttributes replaces the attribute map of an entity.
func (s *Store) SetAttributes(entityID string, attrs map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(entityID)
	e.attributes = cloneAttributes(attrs)
}

// SetMeta sets the registry metadata used by collection queries.
func (s *Store) SetMeta(entityID, deviceClass, area string, labels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(entityID)
	e.deviceClass = deviceClass
	e.area = area
	e.labels = append([]string(nil), labels...)
}

// MarkUnavailable keeps the entity registered but clears its value.
func (s *Store) MarkUnavailable(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(entityID)
	e.value = nil
	e.exists = true
}

// Delete removes the entity entirely.
func (s *Store) Delete(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, entityID)
}

// Rename moves an entity to a new id. It reports whether the old id existed.
func (s *Store) Rename(oldID, newID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[oldID]
	if !ok {
		return false
	}
	delete(s.entities, oldID)
	s.entities[newID] = e
	return true
}

func (s *Store) ensure(entityID string) *entity {
	e, ok := s.entities[entityID]
	if !ok {
		e = &entity{exists: true}
		s.entities[entityID] = e
	}
	return e
}

// Get implements DataProvider.
func (s *Store) Get(entityID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return State{Exists: false}
	}
	return State{
		Value:      e.value,
		Exists:     e.exists,
		Attributes: cloneAttributes(e.attributes),
	}
}

// Entries implements Catalog. The result is sorted by entity id so query
// resolution stays deterministic.
func (s *Store) Entries() []CatalogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]CatalogEntry, 0, len(ids))
	for _, id := range ids {
		e := s.entities[id]
		out = append(out, CatalogEntry{
			EntityID:    id,
			DeviceClass: e.deviceClass,
			Area:        e.area,
			Labels:      append([]string(nil), e.labels...),
			State:       e.value,
			Attributes:  cloneAttributes(e.attributes),
		})
	}
	return out
}

// Register implements Registrar: the requested id is assigned when free,
// otherwise a numeric suffix is appended until an unused id is found.
func (s *Store) Register(requestedID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	assigned := requestedID
	suffix := 2
	for {
		if _, taken := s.entities[assigned]; !taken {
			break
		}
		assigned = fmt.Sprintf("%s_%d", requestedID, suffix)
		suffix++
	}
	s.entities[assigned] = &entity{exists: true}
	return assigned
}

// NormalizeValue converts incoming values to the engine's canonical types:
// integers widen to float64, decimal values collapse to float64, everything
// else passes through unchanged.
func NormalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case decimal.Decimal:
		f, _ := v.Float64()
		return f
	default:
		return value
	}
}

// Numeric coerces a value into a float64. String values are parsed through
// decimal so that "19.5" and "1e3" both coerce exactly.
func Numeric(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		dec, err := decimal.NewFromString(v)
		if err != nil {
			parsed, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				return 0, false
			}
			return parsed, true
		}
		f, _ := dec.Float64()
		return f, true
	case nil:
		return 0, false
	default:
		f, ok := NormalizeValue(v).(float64)
		return f, ok
	}
}

func cloneAttributes(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
