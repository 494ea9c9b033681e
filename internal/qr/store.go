package qr

import (
	"context"
	"errors"

	"attendance/internal/attendance"
)

// Storage sentinels. Backends translate their native failures
// (constraint violations, serialization aborts) into these so the
// validator can resolve races without knowing the backend.
var (
	// ErrTokenConsumed means the compare-and-swap on the consumed
	// flag matched no row: the token was already consumed or the
	// student's current-token slot no longer holds this value.
	ErrTokenConsumed = errors.New("token already consumed")

	// ErrDuplicateRecord means a record for the (student, session)
	// pair already exists; nothing was written.
	ErrDuplicateRecord = errors.New("attendance already recorded")

	// ErrConflict marks a retryable concurrency conflict in the
	// atomic commit. The validator retries once, then gives up.
	ErrConflict = errors.New("storage conflict")
)

// Store is the storage collaborator for the credential core. Lookups
// return (nil, nil) when no row matches.
type Store interface {
	StudentByID(ctx context.Context, studentID string) (*attendance.Student, error)
	SessionByID(ctx context.Context, id string) (*attendance.Session, error)

	// PutToken upserts the student's current-token slot,
	// last-write-wins. Any previously issued value stops matching.
	PutToken(ctx context.Context, tok Token) error

	// TokenByValue returns the student's current token only when its
	// value matches; superseded values never match.
	TokenByValue(ctx context.Context, studentID, value string) (*Token, error)

	// HasRecord reports whether attendance is already recorded for
	// the (student, session) pair.
	HasRecord(ctx context.Context, studentID, sessionID string) (bool, error)

	// ConsumeToken flips the consumed flag, failing with
	// ErrTokenConsumed if the token is not the student's current
	// unconsumed value.
	ConsumeToken(ctx context.Context, studentID, value string) error

	// ConsumeAndRecord marks the token consumed and inserts the
	// record as one atomic unit. It fails with ErrTokenConsumed or
	// ErrDuplicateRecord, leaving no partial effects, or with
	// ErrConflict when the commit should be retried.
	ConsumeAndRecord(ctx context.Context, tok Token, rec attendance.Record) error
}
