// Package remote defines the contracts a synchronized object consumes: a
// path-addressable store node with ordered, priority-bearing children and
// push-style change notifications, plus immutable point-in-time snapshots.
package remote

// CallbackKind identifies one of the notification streams a handle exposes.
type CallbackKind string

const (
	CallbackValue        CallbackKind = "value"
	CallbackChildAdded   CallbackKind = "child_added"
	CallbackChildMoved   CallbackKind = "child_moved"
	CallbackChildRemoved CallbackKind = "child_removed"
)

// Callback receives a snapshot of the affected node and the key of the
// sibling ordered immediately before it (empty when it is first).
// Implementations must deliver callbacks serially: no two callbacks for the
// same store overlap, and a callback runs to completion before the next.
type Callback func(snap Snapshot, prevKey string)

// Snapshot is an immutable read of a node at one instant.
type Snapshot interface {
	// Key is the node's name under its parent.
	Key() string
	// Value returns the node's field map. Nil or empty means the node is
	// absent or has no data.
	Value() map[string]any
	// Priority is the node's sibling-ordering value: nil, float64, or
	// string.
	Priority() any
	// ChildCount returns the number of entries in the value map.
	ChildCount() int
	// Child returns a snapshot of a nested field map, absent-empty when
	// the key does not hold one.
	Child(key string) Snapshot
	// Ref returns the handle this snapshot was read from.
	Ref() Handle
}

// Handle is a live reference to one store node.
type Handle interface {
	Key() string
	Parent() Handle
	Child(key string) Handle

	// Ready reports whether the node has received its initial value.
	Ready() bool

	// Once registers cb for a single delivery of kind.
	Once(kind CallbackKind, cb Callback)
	// On registers cb for kind and returns a detach function.
	On(kind CallbackKind, cb Callback) (off func())

	// WriteWithPriority replaces the node's field map and priority as one
	// write.
	WriteWithPriority(fields map[string]any, priority any) error
	// WritePriority updates only the node's priority.
	WritePriority(priority any) error
	// Delete removes the node and its subtree.
	Delete() error
}
