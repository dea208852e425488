// Package bus implements the request/notification transport the original
// spec calls "the bus transport" (SPEC_FULL.md Part A, §1: out of scope as
// a collaborator, referenced only by interface). It is generalised from the
// teacher's (plexsphere/plexd) internal/api package: dispatcher.go's
// typed handler registration becomes per-object notification routing, and
// reconnect.go's peer-loss/backoff state machine becomes object-add
// discovery and peer-remove handling.
//
// Bus is the out-of-scope "peer object bus" from the original spec: objects
// (here, handlers for one or more device types) register under a name,
// callers look the name up to get a numeric id, and invoke async or sync
// requests against that id. Confirmation of a mutating request is never
// part of the invocation's own completion callback — it arrives later,
// uncorrelated, as a Notify call, exactly as § 4.1 describes.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Status is the transport-level completion code delivered to a request's
// completion callback. Zero means the message was delivered and the peer
// object accepted it; anything else is a transport-level failure.
type Status int

// StatusOK is the transport delivery status for a successfully accepted request.
const StatusOK Status = 0

// StatusNoReply is used when the peer object never attempted to answer
// the method at all (for reference-handler testing of lost confirmations).
const StatusNoReply Status = 1

// StatusError is a generic transport-level failure status.
const StatusError Status = 2

// ErrNoSuchObject is returned by LookupObject and by Invoke* when the named
// peer object is not currently registered on the bus.
var ErrNoSuchObject = errors.New("bus: no such object")

// ErrNoSuchMethod is returned when a registered peer object has no handler
// for the requested method name.
var ErrNoSuchMethod = errors.New("bus: no such method")

// MethodHandler implements one RPC method on a registered peer object.
// It runs synchronously when invoked (on the bus's single loop goroutine);
// the "async" character of InvokeAsync is entirely about when the caller's
// callbacks fire, not about handler execution.
type MethodHandler func(payload json.RawMessage) (json.RawMessage, error)

// NotificationSink receives notifications and peer-loss signals for a
// subscription. It is the "callback storage for subscription" capability
// described in SPEC_FULL.md / the original design notes, replacing raw
// function pointers with an interface the subscriber owns.
type NotificationSink interface {
	// HandleNotification delivers one notification of the given type.
	HandleNotification(typ string, payload json.RawMessage)
	// HandlePeerLost is called when the subscribed object disappears.
	HandlePeerLost()
}

// DataCallback receives a data frame produced by a method invocation,
// before the final completion callback fires. Used by dump_info/dump_stats.
type DataCallback func(data json.RawMessage)

// CompleteCallback receives the transport-level status of an invocation.
type CompleteCallback func(status Status)

// PendingRequest is a cancellation handle for an in-flight async invocation.
// Cancelling is O(1) and safe to call more than once.
type PendingRequest struct {
	mu        sync.Mutex
	cancelled bool
}

// Cancel suppresses delivery of this request's callbacks if they have not
// already fired.
func (p *PendingRequest) Cancel() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

func (p *PendingRequest) isCancelled() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// object is one registered peer object: a name, a numeric id, its method
// table, and the subscriptions currently attached to it.
type object struct {
	id      uint32
	name    string
	methods map[string]MethodHandler
	subs    map[uint64]NotificationSink
}

// addWatcher is a registered object-add observer.
type addWatcher struct {
	id int
	cb func(name string, id uint32)
}

// Bus is an in-process reference transport. It serialises method execution,
// request callbacks and notification delivery onto a single goroutine,
// matching the cooperative, single-threaded event-loop model SPEC_FULL.md
// Part A §5 requires of the real bus. Object-add watchers and peer-lost
// signals are not queued: they run on the goroutine that calls
// RegisterObject or UnregisterObject.
type Bus struct {
	mu          sync.Mutex
	objects     map[string]*object
	byID        map[uint32]*object
	nextID      uint32
	nextSub     uint64
	watchers    []addWatcher
	nextWatcher int

	loop chan func()
	done chan struct{}
}

// New creates a Bus and starts its loop goroutine. Call Close to stop it.
func New() *Bus {
	b := &Bus{
		objects: make(map[string]*object),
		byID:    make(map[uint32]*object),
		loop:    make(chan func(), 256),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.done)
	for fn := range b.loop {
		fn()
	}
}

// Close stops the loop goroutine. Pending callbacks queued before Close is
// called are still delivered; no new work may be scheduled afterward.
func (b *Bus) Close() {
	close(b.loop)
	<-b.done
}

// RegisterObject publishes a peer object under name with the given method
// table, assigning it a fresh id. Registering a name that already exists
// replaces its method table in place and keeps its id and subscriptions
// (this models a handler process restarting but the bus itself surviving;
// a full disappearance is UnregisterObject followed by a later
// RegisterObject, which gets a new id and fires the add-watchers).
func (b *Bus) RegisterObject(name string, methods map[string]MethodHandler) uint32 {
	b.mu.Lock()
	if existing, ok := b.objects[name]; ok {
		existing.methods = methods
		id := existing.id
		b.mu.Unlock()
		return id
	}
	b.nextID++
	id := b.nextID
	obj := &object{id: id, name: name, methods: methods, subs: make(map[uint64]NotificationSink)}
	b.objects[name] = obj
	b.byID[id] = obj
	watchers := append([]addWatcher(nil), b.watchers...)
	b.mu.Unlock()

	for _, w := range watchers {
		w.cb(name, id)
	}
	return id
}

// UnregisterObject removes a peer object, notifying any subscribers that
// their peer has been lost.
func (b *Bus) UnregisterObject(name string) {
	b.mu.Lock()
	obj, ok := b.objects[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.objects, name)
	delete(b.byID, obj.id)
	subs := make([]NotificationSink, 0, len(obj.subs))
	for _, s := range obj.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.HandlePeerLost()
	}
}

// LookupObject resolves a peer object name to its current id.
func (b *Bus) LookupObject(name string) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[name]
	if !ok {
		return 0, false
	}
	return obj.id, true
}

// WatchObjectAdd registers cb to be called whenever a new peer object name
// is registered. It returns an unregister function.
func (b *Bus) WatchObjectAdd(cb func(name string, id uint32)) (unregister func()) {
	b.mu.Lock()
	b.nextWatcher++
	id := b.nextWatcher
	b.watchers = append(b.watchers, addWatcher{id: id, cb: cb})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, w := range b.watchers {
			if w.id == id {
				b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
				return
			}
		}
	}
}

// Subscription is a handle to an active notification subscription.
type Subscription struct {
	id  uint64
	obj *object
	bus *Bus
}

// Unsubscribe detaches the sink from the object. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	delete(s.obj.subs, s.id)
	s.bus.mu.Unlock()
}

// Subscribe attaches sink to receive notifications delivered for peerID.
// Returns ErrNoSuchObject if peerID does not currently resolve to a live object.
func (b *Bus) Subscribe(peerID uint32, sink NotificationSink) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.byID[peerID]
	if !ok {
		return nil, fmt.Errorf("bus: subscribe: %w", ErrNoSuchObject)
	}
	b.nextSub++
	id := b.nextSub
	obj.subs[id] = sink
	return &Subscription{id: id, obj: obj, bus: b}, nil
}

// Notify delivers a notification of type typ with the given payload to
// every subscriber of the peer object named name. Unknown object names are
// silently dropped (nothing is subscribed to hear about them).
func (b *Bus) Notify(name, typ string, payload json.RawMessage) {
	b.mu.Lock()
	obj, ok := b.objects[name]
	var sinks []NotificationSink
	if ok {
		sinks = make([]NotificationSink, 0, len(obj.subs))
		for _, s := range obj.subs {
			sinks = append(sinks, s)
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.loop <- func() {
		for _, s := range sinks {
			s.HandleNotification(typ, payload)
		}
	}
}

// InvokeAsync submits method against peerID. It returns once the bus has
// accepted the message for delivery (synchronously, here); onComplete and
// onData fire later on the bus's loop goroutine, never during this call.
// A missing method is reported as an immediate submission error AND as an
// async StatusError completion, mirroring a real bus that may only discover
// the problem once the message is actually routed. A missing object is
// reported only as the submission error; no completion is delivered.
func (b *Bus) InvokeAsync(peerID uint32, method string, payload json.RawMessage, onData DataCallback, onComplete CompleteCallback) (*PendingRequest, error) {
	b.mu.Lock()
	obj, ok := b.byID[peerID]
	b.mu.Unlock()

	pending := &PendingRequest{}
	if !ok {
		return pending, fmt.Errorf("bus: invoke %q: %w", method, ErrNoSuchObject)
	}

	handler, ok := obj.methods[method]
	if !ok {
		b.loop <- func() {
			if !pending.isCancelled() && onComplete != nil {
				onComplete(StatusError)
			}
		}
		return pending, fmt.Errorf("bus: invoke %q: %w", method, ErrNoSuchMethod)
	}

	b.loop <- func() {
		if pending.isCancelled() {
			return
		}
		data, err := handler(payload)
		if pending.isCancelled() {
			return
		}
		if err != nil {
			if onComplete != nil {
				onComplete(StatusError)
			}
			return
		}
		if data != nil && onData != nil {
			onData(data)
		}
		if onComplete != nil {
			onComplete(StatusOK)
		}
	}
	return pending, nil
}

// InvokeSync submits method against peerID and blocks until the handler
// returns. Used only by dump_info/dump_stats per SPEC_FULL.md § 4.7.
func (b *Bus) InvokeSync(peerID uint32, method string, payload json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	obj, ok := b.byID[peerID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bus: invoke sync %q: %w", method, ErrNoSuchObject)
	}
	handler, ok := obj.methods[method]
	if !ok {
		return nil, fmt.Errorf("bus: invoke sync %q: %w", method, ErrNoSuchMethod)
	}

	type result struct {
		data json.RawMessage
		err  error
	}
	resultCh := make(chan result, 1)
	b.loop <- func() {
		data, err := handler(payload)
		resultCh <- result{data: data, err: err}
	}
	res := <-resultCh
	return res.data, res.err
}
