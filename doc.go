/*
Package idbkv is a transactional client for the event-driven object store in
package engine.

The engine reports everything through events: requests fire success or
error, transactions fire complete or abort, opening a database may fire
blocked and upgradeneeded. This package turns those into plain blocking
calls with one settled outcome each:

  - a request bridge resolves one engine request into a result or an
    *OperationError, removing its listener on every path;
  - a transaction runner groups requests into an all-or-nothing unit and
    reports the original cause when it aborts;
  - RecordIterator walks a cursor one explicit continue at a time;
  - Connection owns one database handle and applies a Schema when the
    database is created or upgraded;
  - Store is a record-oriented facade (find, save, remove, drop, count,
    populate) over a Connection it owns.

Errors are ErrConnectionBlocked, ErrConnectionClosed, ErrUnexpectedUpgrade,
ErrKeyNotFound, *OperationError and *CallbackError; use errors.Is and
errors.As.
*/
package idbkv
