// Package memstore is an in-memory implementation of the remote store
// contracts: a hierarchical, ordered, priority-bearing key-value tree with
// serialized push-style notifications. It backs the dev gateway and tests.
package memstore

import (
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/zeusync/nodesync/internal/core/observability/log"
	"github.com/zeusync/nodesync/internal/core/remote"
)

const shardCount = 16

// Store is a tree of nodes indexed by path. The index is sharded by path
// hash; all tree mutations serialize on a single state mutex, and watcher
// callbacks are delivered one at a time in run-to-completion turns.
type Store struct {
	shards [shardCount]*shard
	log    log.Log

	// smu guards every node's state and the tree structure.
	smu sync.Mutex

	qmu         sync.Mutex
	queue       []delivery
	dispatching bool
}

type shard struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

type node struct {
	path      string
	key       string
	fields    map[string]any
	priority  any
	populated bool
	children  map[string]struct{}
	watchers  map[remote.CallbackKind]map[string]remote.Callback
}

type delivery struct {
	cb   remote.Callback
	snap remote.Snapshot
	prev string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l log.Log) Option {
	return func(s *Store) { s.log = l }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{log: log.Nop()}
	for i := range s.shards {
		s.shards[i] = &shard{nodes: make(map[string]*node)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns a handle on the tree root.
func (s *Store) Root() *Handle {
	return &Handle{store: s, path: ""}
}

// At returns a handle on the node at path ("a/b/c").
func (s *Store) At(path string) *Handle {
	return &Handle{store: s, path: normalize(path)}
}

// Seed populates a node without firing notifications. Intended for test and
// fixture setup before any watcher exists.
func (s *Store) Seed(path string, fields map[string]any, priority any) {
	s.smu.Lock()
	defer s.smu.Unlock()
	n := s.ensureLocked(normalize(path))
	n.fields = deepCopy(fields)
	n.priority = priority
	n.populated = true
	s.indexNestedLocked(n)
	s.refreshAncestorsLocked(n)
}

// SnapshotAt reads the node at path. The result is immutable.
func (s *Store) SnapshotAt(path string) remote.Snapshot {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.snapshotLocked(normalize(path))
}

func normalize(path string) string {
	return strings.Trim(path, "/")
}

func shardFor(path string) uint64 {
	return xxhash.Sum64String(path) % shardCount
}

func (s *Store) lookup(path string) (*node, bool) {
	sh := s.shards[shardFor(path)]
	sh.mu.RLock()
	n, ok := sh.nodes[path]
	sh.mu.RUnlock()
	return n, ok
}

func (s *Store) insert(n *node) {
	sh := s.shards[shardFor(n.path)]
	sh.mu.Lock()
	sh.nodes[n.path] = n
	sh.mu.Unlock()
}

func (s *Store) evict(path string) {
	sh := s.shards[shardFor(path)]
	sh.mu.Lock()
	delete(sh.nodes, path)
	sh.mu.Unlock()
}

// ensureLocked returns the node at path, creating it and its ancestors.
// Caller holds smu.
func (s *Store) ensureLocked(path string) *node {
	if n, ok := s.lookup(path); ok {
		return n
	}
	key := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		key = path[i+1:]
	}
	n := &node{
		path:     path,
		key:      key,
		children: make(map[string]struct{}),
		watchers: make(map[remote.CallbackKind]map[string]remote.Callback),
	}
	s.insert(n)
	if path != "" {
		parent := s.ensureLocked(parentPath(path))
		parent.children[key] = struct{}{}
	}
	return n
}

func parentPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// indexNestedLocked creates child nodes for map-valued fields so they are
// addressable and ordered. Caller holds smu.
func (s *Store) indexNestedLocked(n *node) {
	for key, value := range n.fields {
		sub, ok := value.(map[string]any)
		if !ok {
			continue
		}
		childPath := joinPath(n.path, key)
		child := s.ensureLocked(childPath)
		child.fields = deepCopy(sub)
		child.populated = true
		s.indexNestedLocked(child)
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "/" + key
}

// refreshAncestorsLocked rewrites every ancestor's view of the subtree under
// n so parent snapshots stay consistent. Caller holds smu.
func (s *Store) refreshAncestorsLocked(n *node) {
	path := n.path
	for path != "" {
		parent := s.ensureLocked(parentPath(path))
		child, _ := s.lookup(path)
		if parent.fields == nil {
			parent.fields = make(map[string]any)
		}
		if child != nil && child.populated {
			parent.fields[child.key] = deepCopy(child.fields)
		} else {
			delete(parent.fields, childKey(path))
		}
		parent.populated = true
		path = parent.path
	}
}

func childKey(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// orderedChildrenLocked returns the keys of n's populated children sorted by
// (priority, key): absent priorities first, then numeric, then string.
// Caller holds smu.
func (s *Store) orderedChildrenLocked(n *node) []string {
	keys := make([]string, 0, len(n.children))
	for key := range n.children {
		if child, ok := s.lookup(joinPath(n.path, key)); ok && child.populated {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := s.lookup(joinPath(n.path, keys[i]))
		b, _ := s.lookup(joinPath(n.path, keys[j]))
		return lessSibling(a.priority, keys[i], b.priority, keys[j])
	})
	return keys
}

// prevSiblingLocked returns the key ordered immediately before key among
// n's children, or empty when key is first. Caller holds smu.
func (s *Store) prevSiblingLocked(parent *node, key string) string {
	prev := ""
	for _, k := range s.orderedChildrenLocked(parent) {
		if k == key {
			return prev
		}
		prev = k
	}
	return ""
}

func lessSibling(aPrio any, aKey string, bPrio any, bKey string) bool {
	ar, an, as := priorityRank(aPrio)
	br, bn, bs := priorityRank(bPrio)
	if ar != br {
		return ar < br
	}
	switch ar {
	case 1:
		if an != bn {
			return an < bn
		}
	case 2:
		if as != bs {
			return as < bs
		}
	}
	return aKey < bKey
}

// priorityRank buckets a priority: 0 absent, 1 numeric, 2 string.
func priorityRank(p any) (rank int, num float64, str string) {
	switch v := p.(type) {
	case nil:
		return 0, 0, ""
	case float64:
		return 1, v, ""
	case float32:
		return 1, float64(v), ""
	case int:
		return 1, float64(v), ""
	case int64:
		return 1, float64(v), ""
	case string:
		return 2, 0, v
	default:
		return 0, 0, ""
	}
}

// watchersLocked copies the callbacks registered on path for kind.
// Caller holds smu.
func (s *Store) watchersLocked(path string, kind remote.CallbackKind) []remote.Callback {
	n, ok := s.lookup(path)
	if !ok {
		return nil
	}
	m := n.watchers[kind]
	if len(m) == 0 {
		return nil
	}
	out := make([]remote.Callback, 0, len(m))
	for _, cb := range m {
		out = append(out, cb)
	}
	return out
}

// attach registers cb on path for kind, returning a detach function.
// Value watchers on a populated node receive an immediate delivery of the
// current state.
func (s *Store) attach(path string, kind remote.CallbackKind, cb remote.Callback) func() {
	s.smu.Lock()
	n := s.ensureLocked(path)
	if n.watchers[kind] == nil {
		n.watchers[kind] = make(map[string]remote.Callback)
	}
	id := uuid.NewString()
	n.watchers[kind][id] = cb

	var initial []delivery
	if kind == remote.CallbackValue && n.populated {
		prev := ""
		if path != "" {
			parent, _ := s.lookup(parentPath(path))
			if parent != nil {
				prev = s.prevSiblingLocked(parent, n.key)
			}
		}
		initial = append(initial, delivery{cb: cb, snap: s.snapshotLocked(path), prev: prev})
	}
	s.smu.Unlock()

	if len(initial) > 0 {
		s.dispatch(initial)
	}

	return func() {
		s.smu.Lock()
		if n, ok := s.lookup(path); ok {
			delete(n.watchers[kind], id)
		}
		s.smu.Unlock()
	}
}

// dispatch delivers queued callbacks one at a time. A callback that writes
// back into the store appends to the queue and returns; the outer turn
// drains it, so delivery is serialized and non-reentrant.
func (s *Store) dispatch(ds []delivery) {
	s.qmu.Lock()
	s.queue = append(s.queue, ds...)
	if s.dispatching {
		s.qmu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.queue) > 0 {
		d := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()
		d.cb(d.snap, d.prev)
		s.qmu.Lock()
	}
	s.dispatching = false
	s.qmu.Unlock()
}

func (s *Store) write(path string, fields map[string]any, priority any) error {
	s.smu.Lock()
	n := s.ensureLocked(path)
	existed := n.populated
	priorityChanged := !samePriority(n.priority, priority)
	n.fields = deepCopy(fields)
	n.priority = priority
	n.populated = true
	s.indexNestedLocked(n)
	s.refreshAncestorsLocked(n)

	ds := s.collectValueDeliveriesLocked(n)
	if path != "" {
		parent, _ := s.lookup(parentPath(path))
		if parent != nil {
			prev := s.prevSiblingLocked(parent, n.key)
			kind := remote.CallbackChildMoved
			if !existed {
				kind = remote.CallbackChildAdded
			}
			if !existed || priorityChanged {
				snap := s.snapshotLocked(path)
				for _, cb := range s.watchersLocked(parent.path, kind) {
					ds = append(ds, delivery{cb: cb, snap: snap, prev: prev})
				}
			}
		}
	}
	s.smu.Unlock()

	s.log.Debug("memstore write", log.String("path", path), log.Bool("created", !existed))
	s.dispatch(ds)
	return nil
}

func (s *Store) writePriority(path string, priority any) error {
	s.smu.Lock()
	n := s.ensureLocked(path)
	changed := !samePriority(n.priority, priority)
	n.priority = priority

	var ds []delivery
	if changed && n.populated {
		snap := s.snapshotLocked(path)
		for _, cb := range s.watchersLocked(path, remote.CallbackValue) {
			ds = append(ds, delivery{cb: cb, snap: snap})
		}
		if path != "" {
			parent, _ := s.lookup(parentPath(path))
			if parent != nil {
				prev := s.prevSiblingLocked(parent, n.key)
				for _, cb := range s.watchersLocked(parent.path, remote.CallbackChildMoved) {
					ds = append(ds, delivery{cb: cb, snap: snap, prev: prev})
				}
			}
		}
	}
	s.smu.Unlock()

	s.dispatch(ds)
	return nil
}

func (s *Store) remove(path string) error {
	s.smu.Lock()
	n, ok := s.lookup(path)
	if !ok || !n.populated {
		s.smu.Unlock()
		return nil
	}
	last := s.snapshotLocked(path)

	s.evictSubtreeLocked(n)
	if path != "" {
		parent, _ := s.lookup(parentPath(path))
		if parent != nil {
			delete(parent.children, n.key)
			delete(parent.fields, n.key)
		}
	}
	s.refreshAncestorsLocked(n)

	var ds []delivery
	for _, cb := range s.watchersLocked(path, remote.CallbackValue) {
		ds = append(ds, delivery{cb: cb, snap: s.snapshotLocked(path)})
	}
	if path != "" {
		for _, cb := range s.watchersLocked(parentPath(path), remote.CallbackChildRemoved) {
			ds = append(ds, delivery{cb: cb, snap: last})
		}
	}
	ds = append(ds, s.collectAncestorValueDeliveriesLocked(path)...)
	s.smu.Unlock()

	s.log.Debug("memstore remove", log.String("path", path))
	s.dispatch(ds)
	return nil
}

// evictSubtreeLocked clears the node's data and drops its descendants from
// the index. The node itself stays so its watchers survive a delete.
// Caller holds smu.
func (s *Store) evictSubtreeLocked(n *node) {
	for key := range n.children {
		if child, ok := s.lookup(joinPath(n.path, key)); ok {
			s.evictSubtreeLocked(child)
			s.evict(child.path)
		}
	}
	n.children = make(map[string]struct{})
	n.fields = nil
	n.populated = false
	n.priority = nil
}

// collectValueDeliveriesLocked gathers value callbacks for n and each of its
// ancestors, node first. Caller holds smu.
func (s *Store) collectValueDeliveriesLocked(n *node) []delivery {
	var ds []delivery
	snap := s.snapshotLocked(n.path)
	for _, cb := range s.watchersLocked(n.path, remote.CallbackValue) {
		ds = append(ds, delivery{cb: cb, snap: snap})
	}
	ds = append(ds, s.collectAncestorValueDeliveriesLocked(n.path)...)
	return ds
}

func (s *Store) collectAncestorValueDeliveriesLocked(path string) []delivery {
	var ds []delivery
	for path != "" {
		path = parentPath(path)
		snap := s.snapshotLocked(path)
		for _, cb := range s.watchersLocked(path, remote.CallbackValue) {
			ds = append(ds, delivery{cb: cb, snap: snap})
		}
	}
	return ds
}

func samePriority(a, b any) bool {
	ar, an, as := priorityRank(a)
	br, bn, bs := priorityRank(b)
	return ar == br && an == bn && as == bs
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = deepCopy(sub)
			continue
		}
		out[k] = v
	}
	return out
}
