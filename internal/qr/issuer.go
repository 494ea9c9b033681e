package qr

import (
	"context"
	"time"
)

// Issuer produces fresh single-use tokens. Issuing supersedes the
// student's previous token via the store's per-student slot.
type Issuer struct {
	store Store
	ttl   time.Duration

	// Now reports the current time; overridable in tests.
	Now func() time.Time
}

// NewIssuer creates an issuer with the given token TTL.
func NewIssuer(store Store, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{store: store, ttl: ttl, Now: time.Now}
}

// Issue generates and persists a new token for the student. The caller
// has already resolved the student; unknown IDs are not checked here.
func (i *Issuer) Issue(ctx context.Context, studentID string) (Token, error) {
	now := i.Now().UTC()
	tok := Token{
		StudentID: studentID,
		Value:     newValue(studentID, now),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.store.PutToken(ctx, tok); err != nil {
		return Token{}, err
	}
	tokensIssued.Inc()
	return tok, nil
}
