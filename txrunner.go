package idbkv

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/andreyvit/idbkv/engine"
)

// txn is the unit of work handed to run. Requests issued through it are
// tracked until they settle, and the first failure is remembered as the
// cause to report.
type txn struct {
	ctx  context.Context
	tx   *engine.Transaction
	conn *Connection

	pending sync.WaitGroup
	mu      sync.Mutex
	err     error
}

// run executes work inside one engine transaction over stores. It commits
// when work returns nil and every request issued by work succeeded, and
// aborts otherwise. The returned error is the original cause: the error work
// returned, the first failed request, a callback panic, or ctx.Err().
func (c *Connection) run(ctx context.Context, stores []string, mode engine.TxMode, work func(t *txn) error) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	if mode != engine.ReadOnly && c.visiting.Load() > 0 {
		return opErr("transaction", stores[0], nil, ErrWriteDuringIteration)
	}
	tx, err := db.Transaction(stores, mode)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidState) {
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		return opErr("transaction", stores[0], nil, err)
	}

	finished := make(chan engine.Event, 1)
	unlisten := tx.Listen(func(ev engine.Event) {
		if ev.Type == engine.EventComplete || ev.Type == engine.EventAbort {
			finished <- ev
		}
	})
	defer unlisten()

	t := &txn{ctx: ctx, tx: tx, conn: c}
	err = safelyRun(work, t)
	t.wait()
	if err == nil {
		err = t.failure()
	}
	if err == nil {
		err = ctx.Err()
	}

	if err != nil {
		tx.Abort(err)
	} else if cerr := tx.Commit(); cerr != nil {
		// a request failed after the last check
		err = t.failure()
	}

	ev := <-finished
	if ev.Type == engine.EventAbort {
		if err == nil {
			err = t.failure()
		}
		if err == nil {
			err = opErr("commit", stores[0], nil, ev.Err)
		}
		if c.verbose {
			c.logger.Debug("transaction aborted", zap.Strings("stores", stores), zap.Stringer("mode", mode), zap.Error(err))
		}
		return err
	}
	return err
}

func safelyRun(work func(t *txn) error, t *txn) (err error) {
	defer func() {
		if p := recover(); p != nil {
			perr, _ := p.(error)
			err = &CallbackError{Callback: "transaction", Err: perr, Panic: p, Stack: string(debug.Stack())}
		}
	}()
	return work(t)
}

// wait blocks until every tracked request has settled. If the context is
// cancelled meanwhile the transaction is aborted, which settles the rest.
func (t *txn) wait() {
	settled := make(chan struct{})
	go func() {
		t.pending.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-t.ctx.Done():
		t.fail(t.ctx.Err())
		t.tx.Abort(t.ctx.Err())
		<-settled
	}
}

func (t *txn) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *txn) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *txn) store(name string) (*engine.ObjectStore, error) {
	s, err := t.tx.ObjectStore(name)
	if err != nil {
		return nil, opErr("objectStore", name, nil, err)
	}
	return s, nil
}

// source returns the object store, or its index if index is not empty.
func (t *txn) source(store, index string) (recordSource, error) {
	s, err := t.store(store)
	if err != nil {
		return nil, err
	}
	if index == "" {
		return s, nil
	}
	idx, err := s.Index(index)
	if err != nil {
		return nil, opErr("index", store, index, err)
	}
	return idx, nil
}

// recordSource is what cursors and counts can run over.
type recordSource interface {
	Count(r *engine.KeyRange) (*engine.Request, error)
	OpenCursor(r *engine.KeyRange, dir engine.Direction) (*engine.Request, error)
}

// issue tracks a request without waiting for it. onSuccess, if not nil,
// runs on the engine goroutine with the request result.
func (t *txn) issue(op, store string, key any, req *engine.Request, err error, onSuccess func(result any)) error {
	if err != nil {
		// report what aborted the transaction, not the refused request
		t.fail(opErr(op, store, key, err))
		return t.failure()
	}
	t.pending.Add(1)
	listenOnce(req, func(ev engine.Event) {
		defer t.pending.Done()
		if ev.Type == engine.EventError {
			t.fail(opErr(op, store, key, ev.Err))
		} else if onSuccess != nil {
			onSuccess(ev.Result)
		}
	})
	return nil
}

// await issues a request and waits for its result.
func (t *txn) await(op, store string, key any, req *engine.Request, err error) (any, error) {
	if err != nil {
		t.fail(opErr(op, store, key, err))
		return nil, t.failure()
	}
	result, err := await(t.ctx, req, op, store, key)
	if err != nil {
		t.fail(err)
	}
	return result, err
}
