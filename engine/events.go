package engine

import "sync"

type EventType int

const (
	EventSuccess EventType = iota + 1
	EventError
	EventBlocked
	EventUpgradeNeeded
	EventVersionChange
	EventComplete
	EventAbort
)

func (t EventType) String() string {
	switch t {
	case EventSuccess:
		return "success"
	case EventError:
		return "error"
	case EventBlocked:
		return "blocked"
	case EventUpgradeNeeded:
		return "upgradeneeded"
	case EventVersionChange:
		return "versionchange"
	case EventComplete:
		return "complete"
	case EventAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners of requests, open requests, transactions
// and connections. Only the fields relevant to Type are set.
type Event struct {
	Type   EventType
	Result any
	Err    error

	OldVersion uint64
	NewVersion uint64
	Tx         *Transaction
	DB         *Database
}

// emitter delivers events to listeners in the order they were fired. Events
// fired while nobody listens are held and replayed to the next listener, so
// a caller can attach after starting an operation without missing anything.
type emitter struct {
	// dropUnheard discards events fired while nobody listens
	dropUnheard bool

	mu        sync.Mutex
	deliverMu sync.Mutex
	listeners []*listener
	pending   []pendingEvent
}

type listener struct {
	fn      func(Event)
	removed bool
}

type pendingEvent struct {
	ev        Event
	delivered chan struct{}
}

// Listen registers fn and returns a function that unregisters it. The
// returned function is safe to call more than once and from within fn.
func (e *emitter) Listen(fn func(Event)) (unlisten func()) {
	l := &listener{fn: fn}

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for i, p := range pending {
		if e.isRemoved(l) {
			e.mu.Lock()
			e.pending = append(pending[i:len(pending):len(pending)], e.pending...)
			e.mu.Unlock()
			break
		}
		fn(p.ev)
		close(p.delivered)
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if l.removed {
			return
		}
		l.removed = true
		for i, x := range e.listeners {
			if x == l {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				break
			}
		}
	}
}

func (e *emitter) isRemoved(l *listener) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.removed
}

// emit delivers ev and returns a channel closed once some listener has seen
// it. Delivery happens on the calling goroutine when listeners are attached.
func (e *emitter) emit(ev Event) <-chan struct{} {
	delivered := make(chan struct{})

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if len(e.listeners) == 0 && e.dropUnheard {
		e.mu.Unlock()
		close(delivered)
		return delivered
	}
	if len(e.listeners) == 0 {
		e.pending = append(e.pending, pendingEvent{ev, delivered})
		e.mu.Unlock()
		return delivered
	}
	ls := append([]*listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range ls {
		if !e.isRemoved(l) {
			l.fn(ev)
		}
	}
	close(delivered)
	return delivered
}
