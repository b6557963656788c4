// Package cdcerr classifies errors raised anywhere in the egress pipeline
// into a small set of kinds so the orchestrator can decide whether to
// retry, quiesce a single table, or abort the process.
package cdcerr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind categorizes an error for retry/shutdown decisions.
type Kind string

const (
	Transport          Kind = "transport"
	Decode              Kind = "decode"
	RegistryConflict    Kind = "registry_conflict"
	Io                  Kind = "io"
	SnapshotUnavailable Kind = "snapshot_unavailable"
	MarkerMalformed     Kind = "marker_malformed"
	Timeout             Kind = "timeout"
	Fatal               Kind = "fatal"
)

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a Kind to err. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf wraps err with a Kind and a formatted message, in the style of
// fmt.Errorf("...: %w", err).
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

// KindOf extracts the Kind from err, or Fatal if err was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the signal the registry uses to detect a
// duplicate file_log insert.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
