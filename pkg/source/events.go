package source

import (
	"context"
	"sync"

	"github.com/diwise/record-broker/pkg/query"
	"github.com/diwise/record-broker/pkg/record"
)

type Event string

const (
	BeforeQuery  Event = "beforeQuery"
	QueryDone    Event = "query"
	QueryFail    Event = "queryFail"
	BeforeUpdate Event = "beforeUpdate"
	UpdateDone   Event = "update"
	UpdateFail   Event = "updateFail"
	BeforeSync   Event = "beforeSync"
	SyncDone     Event = "sync"
	SyncFail     Event = "syncFail"
	BeforePush   Event = "beforePush"
	PushDone     Event = "push"
	PushFail     Event = "pushFail"
	BeforePull   Event = "beforePull"
	PullDone     Event = "pull"
	PullFail     Event = "pullFail"
	Transform    Event = "transform"
	Patch        Event = "patch"
	Reset        Event = "reset"
	Upgrade      Event = "upgrade"
	Rollback     Event = "rollback"
)

// Hints is the shared mutable request scoped object through which
// before listeners can pre-supply data to the perform handler.
type Hints map[string]any

// Notification carries the canonical request object of the pipeline
// phase that emitted it, plus whichever of the phase specific fields
// apply.
type Notification struct {
	Event      Event
	Query      *query.Query
	Transform  *record.Transform
	Transforms []record.Transform
	Hints      Hints
	Result     any
	Error      error
}

type Listener func(ctx context.Context, n Notification) error

type listenerEntry struct {
	fn Listener
	id int
}

// Emitter is a per source pub/sub hub. Listeners run serially in
// registration order; any returned error aborts the emission and is
// handed back to the emitting pipeline.
type Emitter struct {
	mu        sync.Mutex
	listeners map[Event][]listenerEntry
	nextID    int
}

// On registers a listener for an event and returns a function that
// removes the registration.
func (e *Emitter) On(event Event, listener Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = map[Event][]listenerEntry{}
	}

	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listenerEntry{fn: listener, id: id})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		entries := e.listeners[event]
		for i := range entries {
			if entries[i].id == id {
				e.listeners[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Emit invokes every listener of n.Event serially. The first listener
// error aborts the emission and is returned.
func (e *Emitter) Emit(ctx context.Context, n Notification) error {
	e.mu.Lock()
	entries := append([]listenerEntry{}, e.listeners[n.Event]...)
	e.mu.Unlock()

	for _, entry := range entries {
		if err := entry.fn(ctx, n); err != nil {
			return err
		}
	}

	return nil
}
