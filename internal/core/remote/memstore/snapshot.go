package memstore

import (
	"github.com/zeusync/nodesync/internal/core/remote"
)

// snapshot is an immutable read of one node. The field map is deep-copied at
// creation, so later writes never show through.
type snapshot struct {
	store    *Store
	path     string
	key      string
	fields   map[string]any
	priority any
}

var _ remote.Snapshot = (*snapshot)(nil)

// snapshotLocked reads the node at path. Caller holds smu. Absent nodes
// yield an empty snapshot.
func (s *Store) snapshotLocked(path string) remote.Snapshot {
	snap := &snapshot{store: s, path: path, key: childKey(path)}
	if n, ok := s.lookup(path); ok && n.populated {
		snap.fields = deepCopy(n.fields)
		snap.priority = n.priority
	}
	return snap
}

func (s *snapshot) Key() string { return s.key }

func (s *snapshot) Value() map[string]any { return s.fields }

func (s *snapshot) Priority() any { return s.priority }

func (s *snapshot) ChildCount() int { return len(s.fields) }

func (s *snapshot) Child(key string) remote.Snapshot {
	child := &snapshot{
		store: s.store,
		path:  joinPath(s.path, key),
		key:   key,
	}
	if sub, ok := s.fields[key].(map[string]any); ok {
		child.fields = deepCopy(sub)
	}
	s.store.smu.Lock()
	if n, ok := s.store.lookup(child.path); ok {
		child.priority = n.priority
	}
	s.store.smu.Unlock()
	return child
}

func (s *snapshot) Ref() remote.Handle {
	return &Handle{store: s.store, path: s.path}
}
