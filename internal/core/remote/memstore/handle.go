package memstore

import (
	"sync"

	"github.com/zeusync/nodesync/internal/core/remote"
)

// Handle is a live reference to one node of a Store.
type Handle struct {
	store *Store
	path  string
}

var _ remote.Handle = (*Handle)(nil)

func (h *Handle) Key() string {
	return childKey(h.path)
}

func (h *Handle) Parent() remote.Handle {
	if h.path == "" {
		return nil
	}
	return &Handle{store: h.store, path: parentPath(h.path)}
}

func (h *Handle) Child(key string) remote.Handle {
	return &Handle{store: h.store, path: joinPath(h.path, normalize(key))}
}

func (h *Handle) Ready() bool {
	h.store.smu.Lock()
	defer h.store.smu.Unlock()
	n, ok := h.store.lookup(h.path)
	return ok && n.populated
}

func (h *Handle) On(kind remote.CallbackKind, cb remote.Callback) (off func()) {
	return h.store.attach(h.path, kind, cb)
}

func (h *Handle) Once(kind remote.CallbackKind, cb remote.Callback) {
	var mu sync.Mutex
	var off func()
	fired := false
	registered := h.store.attach(h.path, kind, func(snap remote.Snapshot, prev string) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		detach := off
		mu.Unlock()
		if detach != nil {
			detach()
		}
		cb(snap, prev)
	})
	// A populated node delivers inside attach, before the detach func
	// exists; settle the registration afterward so the watcher never
	// outlives its single delivery.
	mu.Lock()
	off = registered
	delivered := fired
	mu.Unlock()
	if delivered {
		registered()
	}
}

func (h *Handle) WriteWithPriority(fields map[string]any, priority any) error {
	return h.store.write(h.path, fields, priority)
}

func (h *Handle) WritePriority(priority any) error {
	return h.store.writePriority(h.path, priority)
}

func (h *Handle) Delete() error {
	return h.store.remove(h.path)
}

// Snapshot reads the handle's node immediately, outside the notification
// streams. Used for pre-fetched construction.
func (h *Handle) Snapshot() remote.Snapshot {
	return h.store.SnapshotAt(h.path)
}
