package fields

import (
	"fmt"
	"sync"
)

// Schema is the fixed set of data fields a concrete model type declares
// before binding. Only names present here are ever populated from or pushed
// to the remote store; everything else on the object is control state.
type Schema struct {
	order  []string
	byName map[string]Accessor
}

// NewSchema assembles a schema from declared accessors. Duplicate names are
// a programming error in the model declaration and panic immediately.
func NewSchema(accessors ...Accessor) *Schema {
	s := &Schema{byName: make(map[string]Accessor, len(accessors))}
	for _, acc := range accessors {
		name := acc.Name()
		if _, dup := s.byName[name]; dup {
			panic(fmt.Sprintf("fields: duplicate schema field %q", name))
		}
		s.byName[name] = acc
		s.order = append(s.order, name)
	}
	return s
}

// Names returns the field names in declaration order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the accessor declared under name.
func (s *Schema) Get(name string) (Accessor, bool) {
	acc, ok := s.byName[name]
	return acc, ok
}

// Len returns the number of declared fields.
func (s *Schema) Len() int { return len(s.order) }

// Bind attaches the interception hooks to every declared accessor.
func (s *Schema) Bind(b *Binding) {
	for _, name := range s.order {
		s.byName[name].bind(b)
	}
}

// Nested declares an object-valued field. When the parent materializes and
// the remote value under this name is itself a field map, the parent creates
// a child synchronized object from the schema produced by Make and stores it
// here. The child's lifetime is owned by the parent.
type Nested struct {
	name string
	// Make builds a fresh schema for the child object. Called once per
	// materialization.
	Make func() *Schema

	mu    sync.RWMutex
	child any
}

var _ Accessor = (*Nested)(nil)

// NewNested declares an object-valued field.
func NewNested(name string, make func() *Schema) *Nested {
	return &Nested{name: name, Make: make}
}

func (n *Nested) Name() string { return n.name }

// Object returns the child synchronized object, or nil before
// materialization.
func (n *Nested) Object() any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.child
}

// Attach stores the materialized child object.
func (n *Nested) Attach(child any) {
	n.mu.Lock()
	n.child = child
	n.mu.Unlock()
}

// Load returns nil: nested objects are synchronized through their own
// handle, never serialized into the parent's push payload.
func (n *Nested) Load() any { return nil }

// StoreRemote is handled by the owning object's nested materialization, so
// the generic population path skips this accessor.
func (n *Nested) StoreRemote(any) bool { return false }

// Matches always reports equal: nested children diff through their own
// value callbacks, not through the parent's.
func (n *Nested) Matches(any) bool { return true }

// bind is a no-op: the child object binds its own schema when it
// materializes.
func (n *Nested) bind(*Binding) {}
