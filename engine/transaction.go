package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
	VersionChange
)

func (m TxMode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	default:
		return fmt.Sprintf("TxMode(%d)", int(m))
	}
}

// Transaction executes its requests one at a time, in the order they were
// issued, on a dedicated goroutine. It fires EventComplete after a successful
// commit or EventAbort (with the cause in Err) after rolling back.
//
// A request that fails aborts the transaction with the request's error;
// requests still queued at that point fail with ErrAborted.
type Transaction struct {
	emitter
	db     *Database
	mode   TxMode
	scope  []string
	logger *zap.Logger

	mu         sync.Mutex
	state      *dbState
	queue      []*txOp
	commitReq  bool
	finishing  bool
	finished   bool
	abortCause error
	err        error

	wake chan struct{}
	done chan struct{}
}

type txOp struct {
	req   *Request
	fn    func(stx storageTx) (any, error)
	reply chan txReply
}

type txReply struct {
	result any
	err    error
}

func newTransaction(db *Database, scope []string, mode TxMode, state *dbState) *Transaction {
	return &Transaction{
		db:     db,
		mode:   mode,
		scope:  scope,
		state:  state,
		logger: db.logger.With(zap.Stringer("mode", mode)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (tx *Transaction) Mode() TxMode {
	return tx.mode
}

func (tx *Transaction) Database() *Database {
	return tx.db
}

// Scope returns the object store names the transaction was started with.
func (tx *Transaction) Scope() []string {
	return tx.scope
}

// Done is closed when the transaction has committed or aborted.
func (tx *Transaction) Done() <-chan struct{} {
	return tx.done
}

// Err returns the abort cause after Done is closed, or nil if the
// transaction committed.
func (tx *Transaction) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// Commit asks the transaction to commit once all queued requests have run.
// No further requests may be issued afterwards.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished || tx.finishing || tx.abortCause != nil {
		return fmt.Errorf("%w: transaction has finished", ErrInvalidState)
	}
	tx.commitReq = true
	tx.signal()
	return nil
}

// Abort rolls the transaction back. EventAbort will carry cause, or
// ErrAborted if cause is nil.
func (tx *Transaction) Abort(cause error) error {
	if cause == nil {
		cause = ErrAborted
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished || tx.finishing {
		return fmt.Errorf("%w: transaction has finished", ErrInvalidState)
	}
	if tx.abortCause == nil {
		tx.abortCause = cause
	}
	tx.signal()
	return nil
}

// ObjectStore returns a handle to one of the object stores in scope.
func (tx *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	if tx.mode != VersionChange && !tx.inScope(name) {
		return nil, storeErrf(name, "", nil, ErrNotFound, "object store is not in transaction scope")
	}
	if _, err := tx.storeState(name); err != nil {
		return nil, err
	}
	return &ObjectStore{tx: tx, name: name}, nil
}

func (tx *Transaction) inScope(name string) bool {
	for _, s := range tx.scope {
		if s == name {
			return true
		}
	}
	return false
}

func (tx *Transaction) storeState(name string) (*storeState, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	ss := tx.state.Stores[name]
	if ss == nil {
		return nil, storeErrf(name, "", nil, ErrNotFound, "no such object store")
	}
	return ss, nil
}

func (tx *Transaction) checkWritable() error {
	if tx.mode == ReadOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *Transaction) signal() {
	select {
	case tx.wake <- struct{}{}:
	default:
	}
}

func (tx *Transaction) enqueue(op *txOp) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.finished || tx.finishing || tx.commitReq || tx.abortCause != nil {
		return fmt.Errorf("%w: transaction is not active", ErrInvalidState)
	}
	tx.queue = append(tx.queue, op)
	tx.signal()
	return nil
}

func (tx *Transaction) request(fn func(stx storageTx) (any, error)) (*Request, error) {
	req := newRequest(tx)
	if err := tx.enqueue(&txOp{req: req, fn: fn}); err != nil {
		return nil, err
	}
	return req, nil
}

// exec runs fn on the transaction goroutine and waits for the result. Errors
// are returned to the caller and do not abort the transaction. Must not be
// called from a listener running on the transaction goroutine.
func (tx *Transaction) exec(fn func(stx storageTx) (any, error)) (any, error) {
	reply := make(chan txReply, 1)
	if err := tx.enqueue(&txOp{fn: fn, reply: reply}); err != nil {
		return nil, err
	}
	r := <-reply
	return r.result, r.err
}

func (tx *Transaction) next() (op *txOp, commit bool, abort error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for {
		if tx.abortCause != nil {
			tx.finishing = true
			return nil, false, tx.abortCause
		}
		if len(tx.queue) > 0 {
			op = tx.queue[0]
			tx.queue[0] = nil
			tx.queue = tx.queue[1:]
			return op, false, nil
		}
		if tx.commitReq {
			tx.finishing = true
			return nil, true, nil
		}
		tx.mu.Unlock()
		<-tx.wake
		tx.mu.Lock()
	}
}

func (tx *Transaction) run(st storage) {
	stx, err := st.BeginTx(tx.mode != ReadOnly)
	if err != nil {
		tx.finish(fmt.Errorf("begin transaction: %w", err))
		return
	}
	for {
		op, commit, cause := tx.next()
		switch {
		case cause != nil:
			if err := stx.Rollback(); err != nil {
				tx.logger.Warn("rollback failed", zap.Error(err))
			}
			tx.finish(cause)
			return
		case commit:
			if err := tx.commit(stx); err != nil {
				stx.Rollback()
				tx.finish(err)
			} else {
				tx.finish(nil)
			}
			return
		default:
			tx.execute(stx, op)
		}
	}
}

func (tx *Transaction) execute(stx storageTx, op *txOp) {
	result, err := safelyCall(func() (any, error) {
		return op.fn(stx)
	})
	if op.reply != nil {
		op.reply <- txReply{result, err}
		return
	}
	// the error event goes out before the transaction starts aborting
	if _, perr := safelyCall(func() (any, error) {
		op.req.finish(result, err)
		return nil, nil
	}); perr != nil {
		tx.logger.Error("request listener panicked", zap.Error(perr))
		if err == nil {
			err = perr
		}
	}
	if err != nil {
		tx.mu.Lock()
		if tx.abortCause == nil {
			tx.abortCause = err
		}
		tx.mu.Unlock()
	}
}

func (tx *Transaction) commit(stx storageTx) error {
	if tx.mode == ReadOnly {
		return stx.Rollback()
	}
	if tx.mode == VersionChange {
		tx.mu.Lock()
		state := tx.state
		tx.mu.Unlock()
		if err := saveState(stx, state); err != nil {
			return err
		}
	}
	if err := stx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if tx.mode == VersionChange {
		tx.db.f.publishState(tx.db.b, tx.state)
	}
	return nil
}

func (tx *Transaction) finish(cause error) {
	tx.mu.Lock()
	queue := tx.queue
	tx.queue = nil
	tx.finished = true
	tx.err = cause
	tx.mu.Unlock()

	for _, op := range queue {
		if op.reply != nil {
			op.reply <- txReply{nil, ErrAborted}
		} else {
			op.req.finish(nil, ErrAborted)
		}
	}

	tx.db.txFinished(tx)
	if cause != nil {
		tx.logger.Debug("transaction aborted", zap.Error(cause))
		tx.emit(Event{Type: EventAbort, Err: cause, Tx: tx})
	} else {
		tx.emit(Event{Type: EventComplete, Tx: tx})
	}
	close(tx.done)
}
