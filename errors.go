package idbkv

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// ErrConnectionBlocked means other open connections to the database
	// prevent an upgrade or deletion. Close them and retry.
	ErrConnectionBlocked = errors.New("connection blocked by other open connections")
	// ErrConnectionClosed means the connection was closed, or never opened.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnexpectedUpgrade means the database needed an upgrade but no schema
	// was supplied to perform it.
	ErrUnexpectedUpgrade = errors.New("unexpected upgrade")
	// ErrKeyNotFound is returned by operations that require an existing record.
	ErrKeyNotFound = errors.New("key not found")
	// ErrWriteDuringIteration is the cause of a read-write operation started
	// on a Connection while one of its Iterate callbacks is running.
	ErrWriteDuringIteration = errors.New("read-write operation started inside an iteration")

	ErrOperationFailed = errors.New("operation failed")
	ErrCallbackFailed  = errors.New("callback failed")
)

// OperationError is a failure reported by the engine for a single request.
type OperationError struct {
	Op    string
	Store string
	Key   any
	Err   error
}

func opErr(op, store string, key any, err error) error {
	return &OperationError{Op: op, Store: store, Key: key, Err: err}
}

func (e *OperationError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	if e.Store != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Store)
		if e.Key != nil {
			fmt.Fprintf(&buf, "/%v", e.Key)
		}
	}
	buf.WriteString(": ")
	buf.WriteString(e.Err.Error())
	return buf.String()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

// CallbackError wraps an error returned by, or a panic raised in, a caller
// supplied callback (visit, mutate, schema upgrade).
type CallbackError struct {
	Callback string
	Err      error
	Panic    any
	Stack    string
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s callback panicked: %v\n\n%s", e.Callback, e.Panic, e.Stack)
	}
	return fmt.Sprintf("%s callback: %v", e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

func (e *CallbackError) Is(target error) bool {
	return target == ErrCallbackFailed
}

// safelyCall runs a caller supplied callback, turning both returned errors
// and panics into *CallbackError. Errors that already carry a classification
// are passed through.
func safelyCall[T any](name string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if p := recover(); p != nil {
			perr, _ := p.(error)
			err = &CallbackError{Callback: name, Err: perr, Panic: p, Stack: string(debug.Stack())}
		}
	}()
	result, err = fn()
	if err != nil && !isClassified(err) {
		err = &CallbackError{Callback: name, Err: err}
	}
	return result, err
}

func isClassified(err error) bool {
	return errors.Is(err, ErrCallbackFailed) ||
		errors.Is(err, ErrOperationFailed) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConnectionBlocked) ||
		errors.Is(err, ErrUnexpectedUpgrade) ||
		errors.Is(err, ErrKeyNotFound)
}
