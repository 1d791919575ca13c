// Package model implements the synchronized object: a local, strongly-typed
// mirror of one remote store node, kept in two-way sync without update-echo
// loops. Local field writes push to the remote handle; incoming remote
// notifications apply locally inside a suspend bracket so they are never
// mistaken for local changes and re-pushed.
package model

import (
	"sync"

	"github.com/zeusync/nodesync/internal/core/events"
	"github.com/zeusync/nodesync/internal/core/fields"
	"github.com/zeusync/nodesync/internal/core/observability/log"
	"github.com/zeusync/nodesync/internal/core/remote"
	"github.com/zeusync/nodesync/pkg/sequence"
)

// ReadObserver is invoked with (object, field, value) on every schema-field
// read while change propagation is not suspended. Used for external
// dependency tracking.
type ReadObserver func(obj *Object, field string, value any)

var (
	observerMu     sync.Mutex
	globalObserver ReadObserver
)

// SetReadObserver installs the process-wide read observer and returns the
// previously installed one. A per-object observer set via WithReadObserver
// takes precedence.
func SetReadObserver(fn ReadObserver) ReadObserver {
	observerMu.Lock()
	defer observerMu.Unlock()
	prev := globalObserver
	globalObserver = fn
	return prev
}

// Object mirrors one remote node. Data fields live in the bound schema;
// everything here is control state and is never serialized.
type Object struct {
	mu       sync.Mutex
	key      string
	priority any
	schema   *fields.Schema
	handle   remote.Handle
	events   *events.Channel
	pending  *sequence.OrderedSet[string]
	observer ReadObserver
	log      log.Log

	// applying marks an in-flight remote update; txDepth counts nested
	// transactions. Either one suspends local change propagation, which
	// is the sole guard against echo loops.
	applying bool
	txDepth  int

	ready   bool
	invalid bool

	children []*Object

	offValue   func()
	offAdded   func()
	offMoved   func()
	offRemoved func()
}

type config struct {
	snap     remote.Snapshot
	observer ReadObserver
	logger   log.Log
}

// Option configures Bind.
type Option func(*config)

// WithSnapshot materializes the object synchronously from a pre-fetched
// snapshot instead of waiting for the handle's first value notification.
func WithSnapshot(snap remote.Snapshot) Option {
	return func(c *config) { c.snap = snap }
}

// WithReadObserver sets a per-object read observer overriding the global one.
func WithReadObserver(fn ReadObserver) Option {
	return func(c *config) { c.observer = fn }
}

// WithLogger sets the object's logger.
func WithLogger(l log.Log) Option {
	return func(c *config) { c.logger = l }
}

// Bind constructs a synchronized object over handle with the given schema.
// With a snapshot option the fields materialize during Bind; otherwise the
// object stays unpopulated until the handle's first value notification, at
// which point it becomes ready.
func Bind(handle remote.Handle, schema *fields.Schema, opts ...Option) *Object {
	cfg := config{logger: log.Provide()}
	for _, opt := range opts {
		opt(&cfg)
	}

	o := &Object{
		schema:   schema,
		handle:   handle,
		events:   events.NewChannel(),
		pending:  sequence.NewOrderedSet[string](),
		observer: cfg.observer,
		log:      cfg.logger,
	}
	if handle != nil {
		o.key = handle.Key()
	}
	schema.Bind(&fields.Binding{OnSet: o.localWrite, OnGet: o.localRead})

	if cfg.snap != nil {
		o.materialize(cfg.snap)
	} else if handle != nil {
		handle.Once(remote.CallbackValue, func(snap remote.Snapshot, _ string) {
			o.materialize(snap)
		})
	}
	return o
}

// Key returns the object's identity, fixed at construction.
func (o *Object) Key() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.key
}

// Priority returns the object's sibling-ordering value.
func (o *Object) Priority() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.priority
}

// Ready reports whether the object has materialized.
func (o *Object) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// Ref returns the bound remote handle.
func (o *Object) Ref() remote.Handle {
	return o.handle
}

// ListenerCount returns the number of active local listeners for kind.
func (o *Object) ListenerCount(kind events.Kind) int {
	return o.events.ListenerCount(kind)
}

// SetPriority issues an immediate remote priority update. Unlike field
// writes, priority changes are never batched.
func (o *Object) SetPriority(p any) error {
	o.mu.Lock()
	if o.invalid {
		o.mu.Unlock()
		return nil
	}
	o.priority = p
	h := o.handle
	o.mu.Unlock()

	o.log.Debug("priority update", log.String("key", o.key))
	return h.WritePriority(p)
}

// materialize populates declared fields from snap and marks the object
// ready. Only snapshot keys matching schema fields are used; an empty
// snapshot yields a ready object with no populated fields.
func (o *Object) materialize(snap remote.Snapshot) {
	o.mu.Lock()
	if o.invalid {
		o.mu.Unlock()
		return
	}
	if o.key == "" {
		o.key = snap.Key()
	}
	o.priority = snap.Priority()
	populated := 0
	if snap.ChildCount() > 0 {
		o.applying = true
		vals := snap.Value()
		for _, name := range o.schema.Names() {
			raw, present := vals[name]
			if !present {
				continue
			}
			acc, _ := o.schema.Get(name)
			if nested, ok := acc.(*fields.Nested); ok {
				o.materializeChildLocked(nested, name, snap)
				populated++
				continue
			}
			if acc.StoreRemote(raw) {
				populated++
			}
		}
		o.applying = false
	}
	o.ready = true
	o.mu.Unlock()

	o.log.Debug("materialized",
		log.String("key", o.key),
		log.Int("fields", populated))
	o.emit(events.Ready)
}

// materializeChildLocked creates the child object for an object-valued
// field. The child is exclusively owned: tearing down the parent tears it
// down too. Caller holds mu.
func (o *Object) materializeChildLocked(nested *fields.Nested, name string, snap remote.Snapshot) {
	child := Bind(o.handle.Child(name), nested.Make(),
		WithSnapshot(snap.Child(name)),
		WithReadObserver(o.observer),
		WithLogger(o.log))
	nested.Attach(child)
	o.children = append(o.children, child)
}

// localWrite is the mutation pipeline behind every schema-field Set. While
// suspended the key is staged; otherwise the staged set plus this key is
// emitted as one changed event and the full field map is pushed as one
// remote write.
func (o *Object) localWrite(name string, _ any) {
	o.mu.Lock()
	if o.invalid {
		o.mu.Unlock()
		return
	}
	o.pending.Add(name)
	if o.applying || o.txDepth > 0 {
		o.mu.Unlock()
		return
	}
	keys := o.pending.Values()
	o.pending.Clear()
	prio := o.priority
	h := o.handle
	o.mu.Unlock()

	values := o.valuesFor(keys)
	o.emit(events.Changed, keys, values)

	o.log.Debug("push", log.String("key", o.key), log.Strings("changed", keys))
	if err := h.WriteWithPriority(o.payload(), prio); err != nil {
		o.log.Warn("push failed", log.String("key", o.key), log.Error(err))
	}
}

// localRead feeds the read observer. Suppressed while suspended.
func (o *Object) localRead(name string, value any) {
	o.mu.Lock()
	if o.invalid || o.applying || o.txDepth > 0 {
		o.mu.Unlock()
		return
	}
	obs := o.observer
	o.mu.Unlock()

	if obs == nil {
		observerMu.Lock()
		obs = globalObserver
		observerMu.Unlock()
	}
	if obs != nil {
		obs(o, name, value)
	}
}

// remoteValue handles an incoming value notification. The whole apply runs
// inside the suspend bracket, so applied fields can never re-trigger an
// outbound push. The value event always fires; differing fields are applied
// and reported as a changed event only while a changed listener exists.
func (o *Object) remoteValue(snap remote.Snapshot, prevKey string) {
	o.mu.Lock()
	if o.invalid {
		o.mu.Unlock()
		return
	}
	o.applying = true
	vals := snap.Value()
	var diff []string
	for _, name := range o.schema.Names() {
		raw, present := vals[name]
		if !present {
			continue
		}
		acc, _ := o.schema.Get(name)
		if !acc.Matches(raw) {
			diff = append(diff, name)
		}
	}
	apply := len(diff) > 0 && o.events.ListenerCount(events.Changed) > 0
	if apply {
		for _, name := range diff {
			acc, _ := o.schema.Get(name)
			acc.StoreRemote(vals[name])
		}
	}
	o.priority = snap.Priority()
	o.applying = false
	o.mu.Unlock()

	o.log.Debug("remote apply",
		log.String("key", o.key),
		log.Strings("diff", diff),
		log.Bool("applied", apply))

	o.emit(events.Value, prevKey)
	if apply {
		o.emit(events.Changed, diff, o.valuesFor(diff))
	}
}

// Transaction runs body with change propagation suspended; every field
// write inside stages instead of pushing. On return of the outermost
// transaction the accumulated keys flush as one changed event and exactly
// one remote push, however many fields body touched.
func (o *Object) Transaction(body func()) {
	o.mu.Lock()
	if o.invalid {
		o.mu.Unlock()
		return
	}
	o.txDepth++
	o.mu.Unlock()

	body()

	o.mu.Lock()
	o.txDepth--
	if o.txDepth > 0 || o.invalid {
		o.mu.Unlock()
		return
	}
	keys := o.pending.Values()
	o.pending.Clear()
	prio := o.priority
	h := o.handle
	o.mu.Unlock()

	if len(keys) > 0 {
		o.emit(events.Changed, keys, o.valuesFor(keys))
	}
	o.log.Debug("transaction flush", log.String("key", o.key), log.Strings("changed", keys))
	if err := h.WriteWithPriority(o.payload(), prio); err != nil {
		o.log.Warn("push failed", log.String("key", o.key), log.Error(err))
	}
}

// payload gathers every scalar schema field for a full push. Nested fields
// synchronize through their own handles and control state never serializes.
func (o *Object) payload() map[string]any {
	out := make(map[string]any, o.schema.Len())
	for _, name := range o.schema.Names() {
		acc, _ := o.schema.Get(name)
		if _, nested := acc.(*fields.Nested); nested {
			continue
		}
		out[name] = acc.Load()
	}
	return out
}

func (o *Object) valuesFor(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, name := range keys {
		if acc, ok := o.schema.Get(name); ok {
			out[name] = acc.Load()
		}
	}
	return out
}

func (o *Object) emit(kind events.Kind, details ...any) {
	o.events.Emit(kind, o, details...)
	o.syncRemoteCallbacks()
}
