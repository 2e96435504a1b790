package core

import (
	"errors"
)

var (
	// ErrConnectionFailed is returned when the database connection cannot be established or is lost.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrPoolExhausted is returned when a statement pool reached its entry ceiling, or when
	// a transaction cannot get a connection of its own.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrMultipleRowsAffected is returned when an update expected to touch one row touched more.
	ErrMultipleRowsAffected = errors.New("more than one row affected")
	// ErrLastInsertIDUnsupported is returned when the driver profile cannot report generated ids.
	ErrLastInsertIDUnsupported = errors.New("last insert id not supported")
	// ErrStatementClosed is returned when a pooled statement is used after it was closed or invalidated.
	ErrStatementClosed = errors.New("statement closed")
	// ErrStatementReleased is returned when a pooled statement is used after it went back to its pool.
	ErrStatementReleased = errors.New("statement released")
	// ErrDatabaseClosed is returned by every Database operation after Close.
	ErrDatabaseClosed = errors.New("database closed")
	// ErrInvalidSQL is returned when a raw SQL statement is empty or malformed.
	ErrInvalidSQL = errors.New("invalid sql")
	// ErrNoUpdate is returned by LastInsertID when no update ran on the statement.
	ErrNoUpdate = errors.New("no update executed")
)
