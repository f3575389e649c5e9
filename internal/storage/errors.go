package storage

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate row")
	// ErrReferenced is returned when a delete would orphan dependent rows.
	ErrReferenced = errors.New("row is still referenced")
)

// SQLSTATE codes the adapter classifies.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgAdminShutdown        = "57P01"
	pgCannotConnectNow     = "57P03"
)

// TransientError marks a failure that may succeed on retry (network,
// timeout, serialization conflicts).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient store error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsUnsent reports whether err proves the statement had no effect: the
// driver never put it on the wire, or the server rolled it back. Timeouts
// are transient but ambiguous, so non-idempotent writes must not retry them.
func IsUnsent(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgCannotConnectNow:
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

// classify maps a raw driver error onto the adapter's taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrDuplicate)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrReferenced)
		case pgSerializationFailure, pgDeadlockDetected, pgAdminShutdown, pgCannotConnectNow:
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &TransientError{Op: op, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}
