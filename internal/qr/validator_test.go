package qr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"attendance/internal/attendance"
	"attendance/internal/qr"
	"attendance/internal/store"
)

type fixture struct {
	mem       *store.Memory
	issuer    *qr.Issuer
	validator *qr.Validator
	sessionID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	seedStudent(t, m, "STU20250001", "Asha Rao")

	sess := attendance.Session{
		ID:         "sess-1",
		Name:       "Week 3 Lecture",
		CourseCode: "CS101",
		Type:       attendance.SessionLecture,
		StartTime:  base.Add(-10 * time.Minute),
		EndTime:    base.Add(50 * time.Minute),
		Active:     true,
	}
	if err := m.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	iss := qr.NewIssuer(m, 30*time.Second)
	iss.Now = func() time.Time { return base }
	v := qr.NewValidator(m)
	v.Now = func() time.Time { return base }

	return &fixture{mem: m, issuer: iss, validator: v, sessionID: sess.ID}
}

func (f *fixture) issue(t *testing.T) qr.Token {
	t.Helper()
	tok, err := f.issuer.Issue(context.Background(), "STU20250001")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (f *fixture) validate(t *testing.T, raw string) qr.Result {
	t.Helper()
	res, err := f.validator.Validate(context.Background(), raw, f.sessionID, qr.Metadata{IPAddress: "10.0.0.9", DeviceInfo: "scanner-ui"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return res
}

func TestValidateAccepted(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t)

	res := f.validate(t, tok.Payload())
	if res.Outcome != qr.OutcomeAccepted {
		t.Fatalf("outcome = %s, want accepted", res.Outcome)
	}
	if res.StudentID != "STU20250001" || res.StudentName != "Asha Rao" {
		t.Errorf("result identity = %q/%q", res.StudentID, res.StudentName)
	}

	n, err := f.mem.CountRecords(context.Background(), f.sessionID)
	if err != nil || n != 1 {
		t.Fatalf("records = %d (err %v), want 1", n, err)
	}
	cur, err := f.mem.TokenByValue(context.Background(), tok.StudentID, tok.Value)
	if err != nil || cur == nil {
		t.Fatalf("token lookup failed: %v", err)
	}
	if !cur.Consumed {
		t.Error("accepted token must be marked consumed")
	}

	records, err := f.mem.RecordsBySession(context.Background(), f.sessionID)
	if err != nil || len(records) != 1 {
		t.Fatalf("records: %v", err)
	}
	rec := records[0]
	if rec.TokenValue != tok.Value || rec.IPAddress != "10.0.0.9" || rec.DeviceInfo != "scanner-ui" {
		t.Errorf("record = %+v, metadata not passed through", rec.Record)
	}
}

func TestValidateSameTokenTwiceIsDuplicate(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t)

	if res := f.validate(t, tok.Payload()); res.Outcome != qr.OutcomeAccepted {
		t.Fatalf("first scan = %s", res.Outcome)
	}
	if res := f.validate(t, tok.Payload()); res.Outcome != qr.OutcomeDuplicate {
		t.Fatalf("second scan = %s, want duplicate_attendance", res.Outcome)
	}
	if n, _ := f.mem.CountRecords(context.Background(), f.sessionID); n != 1 {
		t.Errorf("records = %d, want still 1", n)
	}
}

func TestConsumedTokenNeverAcceptedElsewhere(t *testing.T) {
	f := newFixture(t)
	other := attendance.Session{
		ID:         "sess-2",
		Name:       "Week 3 Lab",
		CourseCode: "CS101",
		Type:       attendance.SessionLab,
		StartTime:  base.Add(-10 * time.Minute),
		EndTime:    base.Add(50 * time.Minute),
		Active:     true,
	}
	if err := f.mem.CreateSession(context.Background(), other); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	tok := f.issue(t)
	if res := f.validate(t, tok.Payload()); res.Outcome != qr.OutcomeAccepted {
		t.Fatalf("first scan = %s", res.Outcome)
	}

	// Replaying the consumed credential at a different session is a
	// dead token, not a duplicate.
	res, err := f.validator.Validate(context.Background(), tok.Payload(), other.ID, qr.Metadata{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Outcome != qr.OutcomeInvalidToken {
		t.Fatalf("replay at second session = %s, want invalid_or_expired_token", res.Outcome)
	}
	if n, _ := f.mem.CountRecords(context.Background(), other.ID); n != 0 {
		t.Errorf("replay created %d records", n)
	}
}

func TestValidateFreshTokenForAttendedSessionConsumesAndReportsDuplicate(t *testing.T) {
	f := newFixture(t)
	first := f.issue(t)
	if res := f.validate(t, first.Payload()); res.Outcome != qr.OutcomeAccepted {
		t.Fatalf("first scan = %s", res.Outcome)
	}

	second := f.issue(t)
	res := f.validate(t, second.Payload())
	if res.Outcome != qr.OutcomeDuplicate {
		t.Fatalf("rescan = %s, want duplicate_attendance", res.Outcome)
	}
	if res.StudentName != "Asha Rao" {
		t.Errorf("duplicate result must carry the display name, got %q", res.StudentName)
	}

	// The still-valid token is consumed on a duplicate so it cannot
	// be replayed against another session.
	cur, err := f.mem.TokenByValue(context.Background(), second.StudentID, second.Value)
	if err != nil || cur == nil {
		t.Fatalf("token lookup: %v", err)
	}
	if !cur.Consumed {
		t.Error("token must be consumed on duplicate attendance")
	}
	if n, _ := f.mem.CountRecords(context.Background(), f.sessionID); n != 1 {
		t.Errorf("records = %d, want still 1", n)
	}
}

func TestValidateExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t)

	// The expiry instant itself is still valid.
	f.validator.Now = func() time.Time { return tok.ExpiresAt }
	if res := f.validate(t, tok.Payload()); res.Outcome != qr.OutcomeAccepted {
		t.Fatalf("scan at expiresAt = %s, want accepted", res.Outcome)
	}

	f = newFixture(t)
	tok = f.issue(t)
	f.validator.Now = func() time.Time { return tok.ExpiresAt.Add(time.Millisecond) }
	if res := f.validate(t, tok.Payload()); res.Outcome != qr.OutcomeInvalidToken {
		t.Fatalf("scan 1ms past expiry = %s, want invalid_or_expired_token", res.Outcome)
	}
	if n, _ := f.mem.CountRecords(context.Background(), f.sessionID); n != 0 {
		t.Errorf("expired scan left %d records", n)
	}
}

func TestValidateSupersededTokenRejected(t *testing.T) {
	f := newFixture(t)
	old := f.issue(t)
	f.issue(t)

	if res := f.validate(t, old.Payload()); res.Outcome != qr.OutcomeInvalidToken {
		t.Fatalf("superseded token = %s, want invalid_or_expired_token", res.Outcome)
	}
}

func TestValidateMalformedNoSideEffects(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t)

	for _, raw := range []string{"ATT:onlyonepart", "NOTATT:x:y", ""} {
		if res := f.validate(t, raw); res.Outcome != qr.OutcomeMalformed {
			t.Errorf("validate(%q) = %s, want malformed", raw, res.Outcome)
		}
	}

	if n, _ := f.mem.CountRecords(context.Background(), f.sessionID); n != 0 {
		t.Errorf("malformed scans created %d records", n)
	}
	cur, err := f.mem.TokenByValue(context.Background(), tok.StudentID, tok.Value)
	if err != nil || cur == nil {
		t.Fatalf("token lookup: %v", err)
	}
	if cur.Consumed {
		t.Error("malformed scans must not consume tokens")
	}
}

func TestValidateUnknownStudent(t *testing.T) {
	f := newFixture(t)
	if res := f.validate(t, "ATT:GHOST:abc123"); res.Outcome != qr.OutcomeUnknownStudent {
		t.Fatalf("outcome = %s, want unknown_student", res.Outcome)
	}
}

func TestValidateSessionNotLive(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t)

	// Past endTime, independent of token validity.
	f.validator.Now = func() time.Time { return base.Add(time.Hour) }
	if res := f.validate(t, tok.Payload()); res.Outcome != qr.OutcomeSessionNotLive {
		t.Fatalf("ended session = %s, want session_not_live", res.Outcome)
	}

	// Administratively deactivated.
	f.validator.Now = func() time.Time { return base }
	if err := f.mem.SetSessionActive(context.Background(), f.sessionID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if res := f.validate(t, tok.Payload()); res.Outcome != qr.OutcomeSessionNotLive {
		t.Fatalf("inactive session = %s, want session_not_live", res.Outcome)
	}

	// Liveness is checked before the token, so nothing was consumed.
	cur, _ := f.mem.TokenByValue(context.Background(), tok.StudentID, tok.Value)
	if cur == nil || cur.Consumed {
		t.Error("not-live scans must not touch token state")
	}
}

func TestValidateUnknownSessionNotLive(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t)
	res, err := f.validator.Validate(context.Background(), tok.Payload(), "no-such-session", qr.Metadata{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Outcome != qr.OutcomeSessionNotLive {
		t.Fatalf("outcome = %s, want session_not_live", res.Outcome)
	}
}

func TestValidateConcurrentScansAcceptOnce(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t)

	const n = 12
	outcomes := make([]qr.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.validator.Validate(context.Background(), tok.Payload(), f.sessionID, qr.Metadata{})
			if err != nil {
				t.Errorf("validate: %v", err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, o := range outcomes {
		switch o {
		case qr.OutcomeAccepted:
			accepted++
		case qr.OutcomeDuplicate, qr.OutcomeInvalidToken:
		default:
			t.Errorf("unexpected outcome %s under contention", o)
		}
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want exactly 1", accepted)
	}
	if n, _ := f.mem.CountRecords(context.Background(), f.sessionID); n != 1 {
		t.Errorf("records = %d, want exactly 1", n)
	}
}

// conflictStore fails ConsumeAndRecord a fixed number of times with the
// retryable conflict sentinel before delegating.
type conflictStore struct {
	*store.Memory
	mu       sync.Mutex
	failures int
}

func (c *conflictStore) ConsumeAndRecord(ctx context.Context, tok qr.Token, rec attendance.Record) error {
	c.mu.Lock()
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()
	if fail {
		return qr.ErrConflict
	}
	return c.Memory.ConsumeAndRecord(ctx, tok, rec)
}

func TestValidateRetriesOnceOnConflict(t *testing.T) {
	f := newFixture(t)
	cs := &conflictStore{Memory: f.mem, failures: 1}
	v := qr.NewValidator(cs)
	v.Now = func() time.Time { return base }

	tok := f.issue(t)
	res, err := v.Validate(context.Background(), tok.Payload(), f.sessionID, qr.Metadata{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Outcome != qr.OutcomeAccepted {
		t.Fatalf("outcome = %s, want accepted after one retry", res.Outcome)
	}
}

func TestValidateSurfacesConflictAfterRetryBudget(t *testing.T) {
	f := newFixture(t)
	cs := &conflictStore{Memory: f.mem, failures: 2}
	v := qr.NewValidator(cs)
	v.Now = func() time.Time { return base }

	tok := f.issue(t)
	_, err := v.Validate(context.Background(), tok.Payload(), f.sessionID, qr.Metadata{})
	if err == nil {
		t.Fatal("expected storage error after exhausting the retry budget")
	}
}
