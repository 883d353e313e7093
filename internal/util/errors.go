package util

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Sentinel errors for the failure kinds the pipeline distinguishes
var (
	// ErrConnection indicates a required store cannot be reached; fatal to the run
	ErrConnection = errors.New("store connection failed")

	// ErrFileAccess indicates a source file is missing or unreadable
	ErrFileAccess = errors.New("file access failed")

	// ErrRowParse indicates a single input row could not be parsed or inserted
	ErrRowParse = errors.New("row parse failed")

	// ErrProcedureExecution indicates a transform operation exhausted its retries
	ErrProcedureExecution = errors.New("procedure execution failed")

	// ErrStorage indicates a control/staging/warehouse write did not behave as expected
	ErrStorage = errors.New("storage error")

	// ErrJobFailure is the catch-all that seals a job run as failed
	ErrJobFailure = errors.New("job failed")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a file status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RowParseError describes one rejected input row
type RowParseError struct {
	File  string
	Row   int
	Field string
	Err   error
}

func (e *RowParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s row %d: field %s: %v", e.File, e.Row, e.Field, e.Err)
	}
	return fmt.Sprintf("%s row %d: %v", e.File, e.Row, e.Err)
}

func (e *RowParseError) Unwrap() error { return e.Err }

func (e *RowParseError) Is(target error) bool { return target == ErrRowParse }

// ProcedureExecutionError is raised once a named operation has failed every attempt
type ProcedureExecutionError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ProcedureExecutionError) Error() string {
	return fmt.Sprintf("procedure %s failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ProcedureExecutionError) Unwrap() error { return e.Err }

func (e *ProcedureExecutionError) Is(target error) bool { return target == ErrProcedureExecution }

// IsFatal reports whether err must abort the whole run rather than a single file
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsConnectionError reports whether err means the store itself is gone: a
// broken driver connection, a network failure or a closed database. Lock
// waits and statement timeouts are not connection errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET,
			syscall.ECONNABORTED,
			syscall.ECONNREFUSED,
			syscall.ENETDOWN,
			syscall.ENETUNREACH,
			syscall.EHOSTUNREACH,
			syscall.EPIPE:
			return true
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// database/sql does not export its closed-pool error
	return strings.Contains(err.Error(), "sql: database is closed")
}

// Kind names the failure kind of err as recorded in the error log
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return "ConnectionError"
	case errors.Is(err, ErrFileAccess):
		return "FileAccessError"
	case errors.Is(err, ErrRowParse):
		return "RowParseError"
	case errors.Is(err, ErrProcedureExecution):
		return "ProcedureExecutionError"
	case errors.Is(err, ErrInvalidConfig):
		return "ConfigurationError"
	case errors.Is(err, ErrInvalidTransition):
		return "TransitionError"
	case errors.Is(err, ErrStorage):
		return "StorageError"
	case errors.Is(err, ErrJobFailure):
		return "JobFailure"
	default:
		return "Error"
	}
}
