package engine

import (
	"sync"
)

// Request is a pending asynchronous operation. It fires exactly one
// EventSuccess or EventError.
type Request struct {
	emitter
	tx *Transaction

	mu     sync.Mutex
	done   bool
	result any
	err    error
}

func newRequest(tx *Transaction) *Request {
	return &Request{tx: tx}
}

// Transaction returns the transaction the request was issued against, or nil
// for open and delete requests.
func (r *Request) Transaction() *Transaction {
	return r.tx
}

// Done reports whether the request has fired its event.
func (r *Request) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Result returns the outcome of a finished request.
func (r *Request) Result() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		return nil, ErrInvalidState
	}
	return r.result, r.err
}

func (r *Request) finish(result any, err error) <-chan struct{} {
	if err != nil {
		return r.settle(nil, err, Event{Type: EventError, Err: err})
	}
	return r.settle(result, nil, Event{Type: EventSuccess, Result: result})
}

func (r *Request) settle(result any, err error, ev Event) <-chan struct{} {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		panic("request settled twice")
	}
	r.done, r.result, r.err = true, result, err
	r.mu.Unlock()
	return r.emit(ev)
}

// OpenRequest is returned by Factory.Open and Factory.DeleteDatabase. Besides
// success and error it may fire EventBlocked and EventUpgradeNeeded.
type OpenRequest struct {
	Request

	abandonOnce sync.Once
	abandoned   chan struct{}
	wake        func()
}

func newOpenRequest() *OpenRequest {
	return &OpenRequest{abandoned: make(chan struct{})}
}

// Abandon withdraws interest in the request. A pending open stops waiting
// for other connections to close; a connection delivered after abandonment
// is closed instead.
func (r *OpenRequest) Abandon() {
	r.abandonOnce.Do(func() {
		close(r.abandoned)
		if r.wake != nil {
			r.wake()
		}
	})
	r.mu.Lock()
	db, _ := r.result.(*Database)
	r.result = nil
	r.mu.Unlock()
	if db != nil {
		db.Close()
	}
}

func (r *OpenRequest) isAbandoned() bool {
	select {
	case <-r.abandoned:
		return true
	default:
		return false
	}
}

// succeed delivers db unless the request was abandoned, in which case db is
// closed and the request fails with ErrAborted.
func (r *OpenRequest) succeed(db *Database) {
	r.mu.Lock()
	if r.isAbandoned() {
		r.mu.Unlock()
		db.Close()
		r.finish(nil, ErrAborted)
		return
	}
	r.done, r.result = true, db
	r.mu.Unlock()
	r.emit(Event{Type: EventSuccess, Result: db, DB: db})
}
