package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDataError means a key or value was rejected: invalid key type,
	// missing inline key, unencodable record, or corrupt stored bytes.
	ErrDataError = errors.New("data error")
	// ErrConstraint means a write would violate a uniqueness constraint.
	ErrConstraint = errors.New("constraint violation")
	// ErrNotFound means the named object store or index does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReadOnly means a write was issued in a read-only transaction.
	ErrReadOnly = errors.New("read-only transaction")
	// ErrVersion means the requested version is lower than the stored one.
	ErrVersion = errors.New("version error")
	// ErrAborted is delivered to requests still queued when their
	// transaction aborts.
	ErrAborted = errors.New("transaction aborted")
	// ErrInvalidState means the connection is closed or the transaction
	// has already finished.
	ErrInvalidState = errors.New("invalid state")
	// ErrDirectoryLocked means another factory owns the directory.
	ErrDirectoryLocked = errors.New("directory is locked by another factory")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Is(target error) bool {
	return target == ErrDataError
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// StoreError attributes an error to an object store, index and key.
type StoreError struct {
	Store string
	Index string
	Key   any
	Msg   string
	Err   error
}

func storeErrf(store, index string, key any, err error, format string, args ...any) error {
	return &StoreError{store, index, key, fmt.Sprintf(format, args...), err}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Store)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		fmt.Fprintf(&buf, "/%v", e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
