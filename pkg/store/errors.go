package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
)

// sqlErrorNumber is satisfied by mssql.Error.
type sqlErrorNumber interface {
	SQLErrorNumber() int32
}

// Transient server error numbers: timeout, deadlock victim, broken
// transport, and database-unavailable codes surfaced on failover.
var transientNumbers = map[int32]bool{
	-2:    true,
	233:   true,
	1205:  true,
	10053: true,
	10054: true,
	10060: true,
	40197: true,
	40501: true,
	40613: true,
}

// Constraint and reference violations raised when a row is still in use.
var conflictNumbers = map[int32]bool{
	547:  true, // FK / REFERENCE constraint
	2601: true,
	2627: true,
	3621: true, // statement terminated after a conflict
}

// ErrorNumber extracts the server error number, or 0.
func ErrorNumber(err error) int32 {
	var n sqlErrorNumber
	if errors.As(err, &n) {
		return n.SQLErrorNumber()
	}
	return 0
}

// IsTransient reports infrastructure faults worth one retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if transientNumbers[ErrorNumber(err)] {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "deadlocked")
}

// IsConflict reports errors caused by a dependent row or constraint.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if conflictNumbers[ErrorNumber(err)] {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "reference constraint") || strings.Contains(msg, "foreign key") ||
		strings.Contains(msg, "conflicted with")
}

// IsShrinkContention reports errors raised when a shrink collides with a
// backup or another file operation on the same database.
func IsShrinkContention(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "serialized") ||
		(strings.Contains(msg, "backup") && strings.Contains(msg, "operation")) ||
		strings.Contains(msg, "file manipulation")
}
