package model

import (
	"time"

	"github.com/zeusync/nodesync/internal/core/events"
	"github.com/zeusync/nodesync/internal/core/observability/log"
	"github.com/zeusync/nodesync/internal/core/remote"
)

// objectSub wraps a channel subscription so cancelling re-evaluates which
// remote callbacks the object still needs attached.
type objectSub struct {
	events.Subscription
	obj *Object
}

func (s objectSub) Cancel() {
	s.Subscription.Cancel()
	s.obj.syncRemoteCallbacks()
}

// On registers handler for kind. The underlying remote callback for the
// kind's family is attached lazily on the first listener that needs it.
// A ready listener on an already-ready object fires immediately.
func (o *Object) On(kind events.Kind, handler events.Handler) events.Subscription {
	sub := o.events.On(kind, handler)
	if kind == events.Ready {
		o.deliverReadyNow(sub)
		return objectSub{sub, o}
	}
	o.syncRemoteCallbacks()
	return objectSub{sub, o}
}

// Once registers a one-shot listener for kind. It auto-unsubscribes after
// its first delivery; the returned channel resolves with the delivered
// event. handler may be nil.
func (o *Object) Once(kind events.Kind, handler events.Handler) (events.Subscription, <-chan events.Event) {
	sub, done := o.events.Once(kind, handler)
	if kind == events.Ready {
		o.deliverReadyNow(sub)
		return objectSub{sub, o}, done
	}
	o.syncRemoteCallbacks()
	return objectSub{sub, o}, done
}

func (o *Object) deliverReadyNow(sub events.Subscription) {
	o.mu.Lock()
	ready := o.ready
	o.mu.Unlock()
	if ready {
		o.events.Deliver(sub, events.Event{Kind: events.Ready, Object: o, At: time.Now()})
	}
}

// Unsubscribe cancels sub. Cancelling an already-cancelled subscription is
// a no-op.
func (o *Object) Unsubscribe(sub events.Subscription) {
	if sub == nil {
		return
	}
	sub.Cancel()
	o.syncRemoteCallbacks()
}

// syncRemoteCallbacks reconciles attached remote callbacks against current
// listener counts. Families share callbacks: changed rides on value's
// callback, and the removed callback stays attached while value listeners
// remain even after the last removed listener is gone.
func (o *Object) syncRemoteCallbacks() {
	o.mu.Lock()
	if o.invalid || o.handle == nil {
		o.mu.Unlock()
		return
	}
	value := o.events.ListenerCount(events.Value)
	changed := o.events.ListenerCount(events.Changed)
	added := o.events.ListenerCount(events.Added)
	moved := o.events.ListenerCount(events.Moved)
	removed := o.events.ListenerCount(events.Removed)

	wantValue := value > 0 || changed > 0
	wantAdded := added > 0
	wantMoved := moved > 0
	wantRemoved := removed > 0 || (o.offRemoved != nil && value > 0)

	type change struct {
		want   bool
		off    *func()
		kind   remote.CallbackKind
		attach remote.Callback
	}
	changes := []change{
		{wantValue, &o.offValue, remote.CallbackValue, o.remoteValue},
		{wantAdded, &o.offAdded, remote.CallbackChildAdded, o.remoteChildAdded},
		{wantMoved, &o.offMoved, remote.CallbackChildMoved, o.remoteChildMoved},
		{wantRemoved, &o.offRemoved, remote.CallbackChildRemoved, o.remoteChildRemoved},
	}

	var detach []func()
	var attach []change
	for i, c := range changes {
		switch {
		case c.want && *c.off == nil:
			// The placeholder marks the attach as in flight: h.On can
			// deliver the current state synchronously, and the emit from
			// that delivery re-enters this function, which must not
			// attach the same family a second time.
			*c.off = func() {}
			attach = append(attach, changes[i])
		case !c.want && *c.off != nil:
			detach = append(detach, *c.off)
			*c.off = nil
		}
	}
	h := o.handle
	o.mu.Unlock()

	// Attaching can deliver synchronously, so both directions run outside
	// the lock.
	for _, off := range detach {
		off()
	}
	for _, c := range attach {
		off := h.On(c.kind, c.attach)
		o.mu.Lock()
		if *c.off != nil && !o.invalid {
			*c.off = off
			o.mu.Unlock()
			continue
		}
		// Detached or torn down while the attach was in flight.
		o.mu.Unlock()
		off()
	}
}

func (o *Object) remoteChildAdded(snap remote.Snapshot, prevKey string) {
	o.emit(events.Added, snap.Key(), prevKey)
}

func (o *Object) remoteChildMoved(snap remote.Snapshot, prevKey string) {
	o.emit(events.Moved, snap.Key(), prevKey)
}

func (o *Object) remoteChildRemoved(snap remote.Snapshot, _ string) {
	o.emit(events.Removed, snap.Key())
}

// Remove tears down every local subscription, issues the remote delete, and
// invalidates the object. Using the object afterward is a programming
// error; all operations become no-ops.
func (o *Object) Remove() error {
	h, children := o.teardown()
	if h == nil {
		return nil
	}
	o.log.Debug("remove", log.String("key", o.key))
	for _, child := range children {
		child.close()
	}
	return h.Delete()
}

// close tears the object down without a remote delete. Used for children
// whose node disappears with the parent's.
func (o *Object) close() {
	_, children := o.teardown()
	for _, child := range children {
		child.close()
	}
}

// teardown invalidates the object and detaches everything, returning the
// handle (nil when already invalid) and the owned children.
func (o *Object) teardown() (remote.Handle, []*Object) {
	o.mu.Lock()
	if o.invalid {
		o.mu.Unlock()
		return nil, nil
	}
	o.invalid = true
	children := o.children
	o.children = nil
	offs := make([]func(), 0, 4)
	for _, off := range []*func(){&o.offValue, &o.offAdded, &o.offMoved, &o.offRemoved} {
		if *off != nil {
			offs = append(offs, *off)
			*off = nil
		}
	}
	h := o.handle
	o.mu.Unlock()

	o.events.Reset()
	for _, off := range offs {
		off()
	}
	return h, children
}
