package idbkv

import (
	"context"
	"sync"

	"github.com/andreyvit/idbkv/engine"
)

// await turns one engine request into a single result. The listener is
// removed on every return path.
func await(ctx context.Context, req *engine.Request, op, store string, key any) (any, error) {
	settled := make(chan engine.Event, 1)
	unlisten := req.Listen(func(ev engine.Event) {
		select {
		case settled <- ev:
		default:
		}
	})
	defer unlisten()

	select {
	case ev := <-settled:
		if ev.Type == engine.EventError {
			return nil, opErr(op, store, key, ev.Err)
		}
		return ev.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// listenOnce calls fn with the first event of req and removes the listener
// right after, including when the event is replayed inside Listen itself.
func listenOnce(req *engine.Request, fn func(engine.Event)) {
	var mu sync.Mutex
	var unlisten func()
	fired := false
	u := req.Listen(func(ev engine.Event) {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		remove := unlisten
		mu.Unlock()
		fn(ev)
		if remove != nil {
			remove()
		}
	})
	mu.Lock()
	unlisten = u
	done := fired
	mu.Unlock()
	if done {
		u()
	}
}

// awaitOpen resolves an open request. upgrade runs synchronously inside the
// upgradeneeded event, so the engine commits the version change transaction
// only after it returns; a nil upgrade aborts the transaction with
// ErrUnexpectedUpgrade. A blocked event abandons the request.
func awaitOpen(ctx context.Context, req *engine.OpenRequest, upgrade func(ev engine.Event) error) (*engine.Database, error) {
	events := make(chan engine.Event, 4)
	unlisten := req.Listen(func(ev engine.Event) {
		if ev.Type == engine.EventUpgradeNeeded {
			var err error
			if upgrade == nil {
				err = ErrUnexpectedUpgrade
			} else {
				_, err = safelyCall("upgrade", func() (struct{}, error) {
					return struct{}{}, upgrade(ev)
				})
			}
			if err != nil {
				ev.Tx.Abort(err)
			}
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	defer unlisten()

	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case engine.EventBlocked:
				req.Abandon()
				return nil, ErrConnectionBlocked
			case engine.EventError:
				if isClassified(ev.Err) {
					return nil, ev.Err
				}
				return nil, opErr("open", "", nil, ev.Err)
			case engine.EventSuccess:
				return ev.DB, nil
			}
		case <-ctx.Done():
			req.Abandon()
			return nil, ctx.Err()
		}
	}
}

// awaitDelete resolves a delete request; blocked is reported as
// ErrConnectionBlocked and the deletion is withdrawn.
func awaitDelete(ctx context.Context, req *engine.OpenRequest) error {
	events := make(chan engine.Event, 2)
	unlisten := req.Listen(func(ev engine.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unlisten()

	select {
	case ev := <-events:
		switch ev.Type {
		case engine.EventBlocked:
			req.Abandon()
			return ErrConnectionBlocked
		case engine.EventError:
			return opErr("deleteDatabase", "", nil, ev.Err)
		default:
			return nil
		}
	case <-ctx.Done():
		req.Abandon()
		return ctx.Err()
	}
}
