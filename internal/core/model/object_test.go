package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/nodesync/internal/core/events"
	"github.com/zeusync/nodesync/internal/core/fields"
	"github.com/zeusync/nodesync/internal/core/remote"
)

type push struct {
	fields   map[string]any
	priority any
}

// fakeHandle records writes and lets tests drive notifications by hand.
type fakeHandle struct {
	key       string
	pushes    []push
	prioSets  []any
	deletes   int
	children  map[string]*fakeHandle
	attached  map[remote.CallbackKind]map[int]remote.Callback
	nextID    int
	onceValue []remote.Callback
}

var _ remote.Handle = (*fakeHandle)(nil)

func newFakeHandle(key string) *fakeHandle {
	return &fakeHandle{
		key:      key,
		children: make(map[string]*fakeHandle),
		attached: make(map[remote.CallbackKind]map[int]remote.Callback),
	}
}

func (h *fakeHandle) Key() string           { return h.key }
func (h *fakeHandle) Parent() remote.Handle { return nil }
func (h *fakeHandle) Ready() bool           { return len(h.pushes) > 0 }

func (h *fakeHandle) Child(key string) remote.Handle {
	if c, ok := h.children[key]; ok {
		return c
	}
	c := newFakeHandle(key)
	h.children[key] = c
	return c
}

func (h *fakeHandle) Once(kind remote.CallbackKind, cb remote.Callback) {
	if kind == remote.CallbackValue {
		h.onceValue = append(h.onceValue, cb)
	}
}

func (h *fakeHandle) On(kind remote.CallbackKind, cb remote.Callback) func() {
	if h.attached[kind] == nil {
		h.attached[kind] = make(map[int]remote.Callback)
	}
	id := h.nextID
	h.nextID++
	h.attached[kind][id] = cb
	return func() {
		delete(h.attached[kind], id)
	}
}

func (h *fakeHandle) WriteWithPriority(fields map[string]any, priority any) error {
	h.pushes = append(h.pushes, push{fields: fields, priority: priority})
	return nil
}

func (h *fakeHandle) WritePriority(priority any) error {
	h.prioSets = append(h.prioSets, priority)
	return nil
}

func (h *fakeHandle) Delete() error {
	h.deletes++
	return nil
}

// fireValue simulates an incoming remote value notification.
func (h *fakeHandle) fireValue(snap remote.Snapshot, prev string) {
	once := h.onceValue
	h.onceValue = nil
	for _, cb := range once {
		cb(snap, prev)
	}
	for _, cb := range h.attached[remote.CallbackValue] {
		cb(snap, prev)
	}
}

func (h *fakeHandle) attachedCount(kind remote.CallbackKind) int {
	return len(h.attached[kind])
}

type fakeSnapshot struct {
	key      string
	value    map[string]any
	priority any
}

var _ remote.Snapshot = (*fakeSnapshot)(nil)

func (s *fakeSnapshot) Key() string           { return s.key }
func (s *fakeSnapshot) Value() map[string]any { return s.value }
func (s *fakeSnapshot) Priority() any         { return s.priority }
func (s *fakeSnapshot) ChildCount() int       { return len(s.value) }
func (s *fakeSnapshot) Ref() remote.Handle    { return nil }

func (s *fakeSnapshot) Child(key string) remote.Snapshot {
	sub, _ := s.value[key].(map[string]any)
	return &fakeSnapshot{key: key, value: sub}
}

type player struct {
	*Object
	Name  *fields.Value[string]
	Score *fields.Value[float64]
}

func newPlayer(h remote.Handle, opts ...Option) *player {
	p := &player{
		Name:  fields.New[string]("name"),
		Score: fields.New[float64]("score"),
	}
	p.Object = Bind(h, fields.NewSchema(p.Name, p.Score), opts...)
	return p
}

func annSnapshot() *fakeSnapshot {
	return &fakeSnapshot{
		key:      "ann",
		value:    map[string]any{"name": "Ann", "score": 1.0},
		priority: 5.0,
	}
}

func TestMaterializationFromSnapshot(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	assert.Equal(t, "Ann", p.Name.Get())
	assert.Equal(t, 1.0, p.Score.Get())
	assert.Equal(t, 5.0, p.Priority())
	assert.Equal(t, "ann", p.Key())
	assert.True(t, p.Ready())
	assert.Empty(t, h.pushes, "materialization must not push")
}

func TestUnrecognizedRemoteKeysIgnored(t *testing.T) {
	h := newFakeHandle("ann")
	snap := annSnapshot()
	snap.value["ghost"] = "boo"
	p := newPlayer(h, WithSnapshot(snap))
	assert.Equal(t, "Ann", p.Name.Get())
}

func TestEmptySnapshotYieldsReadyWithNoFields(t *testing.T) {
	h := newFakeHandle("empty")
	p := newPlayer(h, WithSnapshot(&fakeSnapshot{key: "empty"}))

	assert.True(t, p.Ready())
	assert.Equal(t, "", p.Name.Get())
	assert.Zero(t, p.Score.Get())
}

func TestReadyListenerOnReadyObjectFiresImmediately(t *testing.T) {
	p := newPlayer(newFakeHandle("ann"), WithSnapshot(annSnapshot()))
	fired := 0
	p.On(events.Ready, func(events.Event) { fired++ })
	assert.Equal(t, 1, fired)
}

func TestDeferredMaterialization(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h)

	assert.False(t, p.Ready())
	readyFired := false
	p.On(events.Ready, func(events.Event) { readyFired = true })
	assert.False(t, readyFired)

	h.fireValue(annSnapshot(), "")

	assert.True(t, p.Ready())
	assert.True(t, readyFired)
	assert.Equal(t, "Ann", p.Name.Get())
	assert.Equal(t, 5.0, p.Priority())
}

func TestLocalWritePushesOnceWithChangedKeys(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	var changedKeys []string
	var changedVals map[string]any
	p.On(events.Changed, func(ev events.Event) {
		changedKeys = ev.Details[0].([]string)
		changedVals = ev.Details[1].(map[string]any)
	})

	p.Score.Set(2)

	require.Len(t, h.pushes, 1)
	assert.Equal(t, map[string]any{"name": "Ann", "score": 2.0}, h.pushes[0].fields)
	assert.Equal(t, 5.0, h.pushes[0].priority)
	assert.Equal(t, []string{"score"}, changedKeys)
	assert.Equal(t, map[string]any{"score": 2.0}, changedVals)
}

func TestPriorityWriteIsImmediateAndUnbatched(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	p.Transaction(func() {
		p.Score.Set(3)
		require.NoError(t, p.SetPriority(9.0))
	})

	assert.Equal(t, []any{9.0}, h.prioSets)
	require.Len(t, h.pushes, 1)
	assert.Equal(t, 9.0, h.pushes[0].priority, "flush carries the updated priority")
}

func TestTransactionBatchesToOnePush(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	changed := 0
	var keys []string
	p.On(events.Changed, func(ev events.Event) {
		changed++
		keys = ev.Details[0].([]string)
	})

	p.Transaction(func() {
		p.Name.Set("Anna")
		p.Score.Set(2)
		p.Score.Set(3) // same key staged once
	})

	require.Len(t, h.pushes, 1)
	assert.Equal(t, 1, changed)
	assert.Equal(t, []string{"name", "score"}, keys)
	assert.Equal(t, map[string]any{"name": "Anna", "score": 3.0}, h.pushes[0].fields)
}

func TestEmptyTransactionPushesWithoutChangedEvent(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	changed := 0
	p.On(events.Changed, func(events.Event) { changed++ })

	p.Transaction(func() {})

	assert.Len(t, h.pushes, 1)
	assert.Zero(t, changed)
}

func TestNestedTransactionsFlushOnce(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	p.Transaction(func() {
		p.Name.Set("Anna")
		p.Transaction(func() {
			p.Score.Set(4)
		})
		// inner return must not flush while the outer is open
		assert.Empty(t, h.pushes)
	})

	assert.Len(t, h.pushes, 1)
}

func TestNoEchoOnRemoteUpdate(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))
	p.On(events.Changed, func(events.Event) {})

	p.Score.Set(2)
	require.Len(t, h.pushes, 1)

	valueFired := 0
	p.On(events.Value, func(events.Event) { valueFired++ })

	// remote reports exactly what we pushed
	h.fireValue(&fakeSnapshot{
		key:      "ann",
		value:    map[string]any{"name": "Ann", "score": 2.0},
		priority: 5.0,
	}, "")

	assert.Len(t, h.pushes, 1, "echoed notification must not re-push")
	assert.Equal(t, 1, valueFired)
}

func TestRemoteUpdateAppliesDiffWithChangedListener(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	var keys []string
	p.On(events.Changed, func(ev events.Event) {
		keys = ev.Details[0].([]string)
	})

	h.fireValue(&fakeSnapshot{
		key:      "ann",
		value:    map[string]any{"name": "Ann", "score": 7.0},
		priority: 5.0,
	}, "")

	assert.Equal(t, []string{"score"}, keys, "only true deltas are reported")
	assert.Equal(t, 7.0, p.Score.Get())
	assert.Equal(t, "Ann", p.Name.Get())
	assert.Len(t, h.pushes, 0)
}

func TestRemoteUpdateWithoutChangedListenerEmitsValueOnly(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	var prevKey string
	p.On(events.Value, func(ev events.Event) {
		prevKey = ev.Details[0].(string)
	})

	h.fireValue(&fakeSnapshot{
		key:      "ann",
		value:    map[string]any{"name": "Ann", "score": 7.0},
		priority: 5.0,
	}, "zed")

	assert.Equal(t, "zed", prevKey)
	assert.Equal(t, 1.0, p.Score.Get(), "no changed listener, no local apply")
}

func TestSubscriptionRefCounting(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	// changed rides on value's remote callback
	changedSub := p.On(events.Changed, func(events.Event) {})
	assert.Equal(t, 1, h.attachedCount(remote.CallbackValue))

	valueSub := p.On(events.Value, func(events.Event) {})
	assert.Equal(t, 1, h.attachedCount(remote.CallbackValue), "family shares one callback")

	changedSub.Cancel()
	assert.Equal(t, 1, h.attachedCount(remote.CallbackValue), "value listener keeps it")

	valueSub.Cancel()
	assert.Equal(t, 0, h.attachedCount(remote.CallbackValue))

	addedSub := p.On(events.Added, func(events.Event) {})
	movedSub := p.On(events.Moved, func(events.Event) {})
	assert.Equal(t, 1, h.attachedCount(remote.CallbackChildAdded))
	assert.Equal(t, 1, h.attachedCount(remote.CallbackChildMoved))
	addedSub.Cancel()
	movedSub.Cancel()
	assert.Equal(t, 0, h.attachedCount(remote.CallbackChildAdded))
	assert.Equal(t, 0, h.attachedCount(remote.CallbackChildMoved))
}

func TestRemovedCallbackSharesDetachWithValue(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	removedSub := p.On(events.Removed, func(events.Event) {})
	valueSub := p.On(events.Value, func(events.Event) {})
	assert.Equal(t, 1, h.attachedCount(remote.CallbackChildRemoved))

	removedSub.Cancel()
	assert.Equal(t, 1, h.attachedCount(remote.CallbackChildRemoved),
		"stays attached while value listeners remain")

	valueSub.Cancel()
	assert.Equal(t, 0, h.attachedCount(remote.CallbackChildRemoved))
	assert.Equal(t, 0, h.attachedCount(remote.CallbackValue))
}

func TestChildEventsCarryKeyAndPrev(t *testing.T) {
	h := newFakeHandle("list")
	p := newPlayer(h, WithSnapshot(&fakeSnapshot{key: "list"}))

	var added []any
	p.On(events.Added, func(ev events.Event) { added = ev.Details })

	snap := &fakeSnapshot{key: "item1", value: map[string]any{"v": 1.0}}
	for _, cb := range h.attached[remote.CallbackChildAdded] {
		cb(snap, "item0")
	}

	require.Len(t, added, 2)
	assert.Equal(t, "item1", added[0])
	assert.Equal(t, "item0", added[1])
}

func TestOneShotFiresOnce(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	count := 0
	_, done := p.Once(events.Changed, func(events.Event) { count++ })

	p.Score.Set(2)
	p.Score.Set(3)

	assert.Equal(t, 1, count)
	select {
	case ev := <-done:
		assert.Equal(t, []string{"score"}, ev.Details[0].([]string))
	case <-time.After(100 * time.Millisecond):
		t.Fatal("completion channel never resolved")
	}
	// the one-shot was the only changed listener, so its auto-cancel
	// detaches the family's remote callback
	assert.Equal(t, 0, h.attachedCount(remote.CallbackValue))
}

func TestRemoveTearsDownAndDeletes(t *testing.T) {
	h := newFakeHandle("ann")
	p := newPlayer(h, WithSnapshot(annSnapshot()))

	p.On(events.Value, func(events.Event) {})
	p.On(events.Changed, func(events.Event) {})
	p.On(events.Removed, func(events.Event) {})

	require.NoError(t, p.Remove())

	assert.Equal(t, 1, h.deletes)
	for _, kind := range events.Kinds() {
		assert.Zero(t, p.ListenerCount(kind), "kind %s", kind)
	}
	assert.Equal(t, 0, h.attachedCount(remote.CallbackValue))
	assert.Equal(t, 0, h.attachedCount(remote.CallbackChildRemoved))

	// the instance is dead: further operations are no-ops
	p.Score.Set(99)
	assert.Empty(t, h.pushes)
	require.NoError(t, p.Remove())
	assert.Equal(t, 1, h.deletes)
}

func TestReadObserverGlobalInstallReturnsPrevious(t *testing.T) {
	defer SetReadObserver(nil)

	var reads []string
	first := func(_ *Object, field string, _ any) { reads = append(reads, field) }
	prev := SetReadObserver(first)
	assert.Nil(t, prev)

	p := newPlayer(newFakeHandle("ann"), WithSnapshot(annSnapshot()))
	_ = p.Name.Get()
	assert.Equal(t, []string{"name"}, reads)

	replaced := SetReadObserver(nil)
	assert.NotNil(t, replaced)
	_ = p.Name.Get()
	assert.Len(t, reads, 1)
}

func TestReadObserverPerObjectOverride(t *testing.T) {
	var reads []string
	p := newPlayer(newFakeHandle("ann"),
		WithSnapshot(annSnapshot()),
		WithReadObserver(func(_ *Object, field string, value any) {
			reads = append(reads, field)
		}))

	_ = p.Score.Get()
	assert.Equal(t, []string{"score"}, reads)

	// suppressed inside a transaction (propagation suspended)
	p.Transaction(func() { _ = p.Score.Get() })
	assert.Len(t, reads, 1)
}

type profile struct {
	*Object
	Nick    *fields.Value[string]
	Address *fields.Nested
	City    *fields.Value[string] // belongs to the child schema
}

func TestNestedChildOwnership(t *testing.T) {
	h := newFakeHandle("ann")

	city := fields.New[string]("city")
	p := &profile{
		Nick: fields.New[string]("nick"),
		City: city,
	}
	p.Address = fields.NewNested("address", func() *fields.Schema {
		return fields.NewSchema(city)
	})
	p.Object = Bind(h, fields.NewSchema(p.Nick, p.Address), WithSnapshot(&fakeSnapshot{
		key: "ann",
		value: map[string]any{
			"nick":    "annie",
			"address": map[string]any{"city": "Oslo"},
		},
	}))

	child, ok := p.Address.Object().(*Object)
	require.True(t, ok)
	assert.True(t, child.Ready())
	assert.Equal(t, "address", child.Key())
	assert.Equal(t, "Oslo", p.City.Get())

	// nested fields never serialize into the parent push
	p.Nick.Set("nan")
	require.Len(t, h.pushes, 1)
	_, hasAddress := h.pushes[0].fields["address"]
	assert.False(t, hasAddress)

	// destroying the parent destroys the child without a child delete
	require.NoError(t, p.Remove())
	assert.Equal(t, 1, h.deletes)
	assert.Equal(t, 0, h.children["address"].deletes)
	require.NoError(t, child.Remove(), "closed child removal is a no-op")
	assert.Equal(t, 0, h.children["address"].deletes)
}
