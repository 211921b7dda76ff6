// Package entities defines the boundary between the formula engine and the
// host's entity world: reading current values, enumerating registry metadata
// for collection queries, allocating entity identifiers, and receiving
// change notifications.
package entities

// State is the result of looking up a single entity.
//
// Exists=false means the entity is not known at all, which is a fatal
// condition for formulas depending on it. Exists=true with a nil Value means
// the entity is known but currently has no usable state, which is transitory.
type State struct {
	Value      interface{}
	Exists     bool
	Attributes map[string]interface{}
}

// DataProvider reads current entity values. Implementations must report
// unknown entities via Exists=false instead of an error.
type DataProvider interface {
	Get(entityID string) State
}

// CatalogEntry exposes the registry metadata collection queries match on.
type CatalogEntry struct {
	EntityID    string
	DeviceClass string
	Area        string
	Labels      []string
	State       interface{}
	Attributes  map[string]interface{}
}

// Catalog enumerates the entity registry snapshot.
type Catalog interface {
	Entries() []CatalogEntry
}

// Registrar allocates entity identifiers. The assigned id may differ from
// the requested one when it is already taken.
type Registrar interface {
	Register(requestedID string) string
}

// ChangeListener receives host notifications the engine reacts to: entity
// renames rewrite stored configuration, state changes invalidate caches.
type ChangeListener interface {
	OnEntityRenamed(oldID, newID string) error
	OnStatesChanged(entityIDs ...string)
}
