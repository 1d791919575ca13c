package fields

import (
	"sync"
)

// Binding carries the interception hooks a synchronized object attaches to
// its declared fields. OnSet is the mutation pipeline; OnGet feeds the read
// observer. Either may be nil.
type Binding struct {
	OnSet func(name string, value any)
	OnGet func(name string, value any)
}

// Accessor is the untyped view of a declared field. The synchronized object
// enumerates, populates, and serializes its schema through this interface
// without knowing field types.
type Accessor interface {
	// Name returns the schema field name.
	Name() string
	// Load returns the current value without running the read hook.
	Load() any
	// StoreRemote assigns a remotely sourced value without running the
	// mutation hook. Returns false when the value cannot be converted to
	// the field's static type.
	StoreRemote(value any) bool
	// Matches reports whether a remotely sourced value equals the current
	// one after conversion. Inconvertible values compare as equal so that
	// type mismatches never register as deltas.
	Matches(value any) bool

	bind(b *Binding)
}

var _ Accessor = (*Value[string])(nil)

// Value is a typed field accessor. Unbound it behaves as a plain cell;
// once bound to an object its Set routes through the mutation pipeline and
// its Get reports to the read observer.
type Value[T any] struct {
	name    string
	mu      sync.RWMutex
	current T
	binding *Binding
}

// New declares a typed field accessor with the given schema name.
func New[T any](name string) *Value[T] {
	return &Value[T]{name: name}
}

func (f *Value[T]) Name() string { return f.name }

// Get returns the current value, reporting the read to the bound object.
func (f *Value[T]) Get() T {
	f.mu.RLock()
	v := f.current
	b := f.binding
	f.mu.RUnlock()
	if b != nil && b.OnGet != nil {
		b.OnGet(f.name, v)
	}
	return v
}

// Set assigns the value and runs the mutation hook.
func (f *Value[T]) Set(v T) {
	f.mu.Lock()
	f.current = v
	b := f.binding
	f.mu.Unlock()
	if b != nil && b.OnSet != nil {
		b.OnSet(f.name, v)
	}
}

func (f *Value[T]) Load() any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

func (f *Value[T]) StoreRemote(value any) bool {
	converted, ok := Convert[T](value)
	if !ok {
		return false
	}
	f.mu.Lock()
	f.current = converted
	f.mu.Unlock()
	return true
}

func (f *Value[T]) Matches(value any) bool {
	converted, ok := Convert[T](value)
	if !ok {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return equal(f.current, converted)
}

func (f *Value[T]) bind(b *Binding) {
	f.mu.Lock()
	f.binding = b
	f.mu.Unlock()
}
