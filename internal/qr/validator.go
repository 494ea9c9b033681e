package qr

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"attendance/internal/attendance"
)

// Outcome is the terminal result of one scan attempt. Every branch of
// validation yields exactly one outcome; none is reported as an error.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeSessionNotLive Outcome = "session_not_live"
	OutcomeUnknownStudent Outcome = "unknown_student"
	OutcomeInvalidToken   Outcome = "invalid_or_expired_token"
	OutcomeDuplicate      Outcome = "duplicate_attendance"
)

// Metadata carries capture context. The core passes it through to the
// record untouched.
type Metadata struct {
	IPAddress  string
	DeviceInfo string
}

// Result reports the outcome of a scan, plus the student's identity
// for UI feedback when one was resolved.
type Result struct {
	Outcome     Outcome
	StudentID   string
	StudentName string
}

// Validator checks scanned payloads against a session and records
// attendance. Safe for concurrent use: the store's atomic commit
// guarantees at most one accepted scan per (student, session) and at
// most one consumption per token.
type Validator struct {
	store Store

	// Now reports the current time; overridable in tests.
	Now func() time.Time
}

// NewValidator creates a validator over the given store.
func NewValidator(store Store) *Validator {
	return &Validator{store: store, Now: time.Now}
}

// Validate runs the scan state machine. The error return is reserved
// for storage faults; every expected condition comes back as a Result.
//
// Ordering matters: session liveness is checked before any token
// lookup so inactive sessions leak nothing about token validity, and
// duplicate detection runs only after the token proved valid so
// malformed or stale input never consumes a credential.
func (v *Validator) Validate(ctx context.Context, raw, sessionID string, meta Metadata) (Result, error) {
	studentID, value, ok := ParseScan(raw)
	if !ok {
		return v.done(Result{Outcome: OutcomeMalformed}), nil
	}

	now := v.Now().UTC()
	sess, err := v.store.SessionByID(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess == nil || !sess.IsLive(now) {
		return v.done(Result{Outcome: OutcomeSessionNotLive}), nil
	}

	stu, err := v.store.StudentByID(ctx, studentID)
	if err != nil {
		return Result{}, err
	}
	if stu == nil {
		return v.done(Result{Outcome: OutcomeUnknownStudent}), nil
	}

	tok, err := v.store.TokenByValue(ctx, studentID, value)
	if err != nil {
		return Result{}, err
	}
	if tok == nil || tok.Expired(now) {
		return v.done(v.result(OutcomeInvalidToken, stu)), nil
	}
	if tok.Consumed {
		// A consumed token that already produced this session's
		// record reads as a duplicate, not a dead credential.
		dup, err := v.store.HasRecord(ctx, studentID, sess.ID)
		if err != nil {
			return Result{}, err
		}
		if dup {
			return v.done(v.result(OutcomeDuplicate, stu)), nil
		}
		return v.done(v.result(OutcomeInvalidToken, stu)), nil
	}

	dup, err := v.store.HasRecord(ctx, studentID, sess.ID)
	if err != nil {
		return Result{}, err
	}
	if dup {
		// A still-valid token scanned for a session already attended
		// is consumed anyway, so it cannot be replayed elsewhere.
		if err := v.store.ConsumeToken(ctx, studentID, value); err != nil && !errors.Is(err, ErrTokenConsumed) {
			return Result{}, err
		}
		return v.done(v.result(OutcomeDuplicate, stu)), nil
	}

	rec := attendance.Record{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		SessionID:  sess.ID,
		TokenValue: value,
		At:         now,
		IPAddress:  meta.IPAddress,
		DeviceInfo: meta.DeviceInfo,
	}
	err = v.store.ConsumeAndRecord(ctx, *tok, rec)
	if errors.Is(err, ErrConflict) {
		// One bounded retry, then the fault surfaces to the caller.
		err = v.store.ConsumeAndRecord(ctx, *tok, rec)
	}
	switch {
	case err == nil:
		return v.done(v.result(OutcomeAccepted, stu)), nil
	case errors.Is(err, ErrDuplicateRecord):
		// Lost the race to a concurrent winner for this session.
		// Same policy as the sequential duplicate path: consume.
		if cerr := v.store.ConsumeToken(ctx, studentID, value); cerr != nil && !errors.Is(cerr, ErrTokenConsumed) {
			return Result{}, cerr
		}
		return v.done(v.result(OutcomeDuplicate, stu)), nil
	case errors.Is(err, ErrTokenConsumed):
		// Someone else consumed this token first. Re-read to decide
		// whether their scan recorded this session or a different one.
		dup, derr := v.store.HasRecord(ctx, studentID, sess.ID)
		if derr != nil {
			return Result{}, derr
		}
		if dup {
			return v.done(v.result(OutcomeDuplicate, stu)), nil
		}
		return v.done(v.result(OutcomeInvalidToken, stu)), nil
	default:
		return Result{}, err
	}
}

func (v *Validator) result(o Outcome, stu *attendance.Student) Result {
	return Result{Outcome: o, StudentID: stu.StudentID, StudentName: stu.Name}
}

func (v *Validator) done(r Result) Result {
	scansTotal.WithLabelValues(string(r.Outcome)).Inc()
	return r
}
