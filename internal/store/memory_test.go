package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"attendance/internal/attendance"
	"attendance/internal/qr"
)

func seedToken(t *testing.T, m *Memory, studentID, value string) qr.Token {
	t.Helper()
	tok := qr.Token{
		StudentID: studentID,
		Value:     value,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(30 * time.Second),
	}
	if err := m.PutToken(context.Background(), tok); err != nil {
		t.Fatalf("put token: %v", err)
	}
	return tok
}

func TestConsumeAndRecordAtomicSentinels(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tok := seedToken(t, m, "STU20250001", "aaaa111122")
	rec := attendance.Record{ID: "r1", StudentID: "STU20250001", SessionID: "s1", TokenValue: tok.Value}

	if err := m.ConsumeAndRecord(ctx, tok, rec); err != nil {
		t.Fatalf("consume+record: %v", err)
	}

	// Same pair again: duplicate, and no state rewritten.
	fresh := seedToken(t, m, "STU20250001", "bbbb333344")
	rec2 := attendance.Record{ID: "r2", StudentID: "STU20250001", SessionID: "s1", TokenValue: fresh.Value}
	if err := m.ConsumeAndRecord(ctx, fresh, rec2); !errors.Is(err, qr.ErrDuplicateRecord) {
		t.Fatalf("err = %v, want ErrDuplicateRecord", err)
	}
	cur, _ := m.TokenByValue(ctx, "STU20250001", fresh.Value)
	if cur == nil || cur.Consumed {
		t.Error("failed atomic unit must leave the token unconsumed")
	}

	// Consumed token: sentinel, no record inserted.
	if err := m.ConsumeToken(ctx, "STU20250001", fresh.Value); err != nil {
		t.Fatalf("consume: %v", err)
	}
	rec3 := attendance.Record{ID: "r3", StudentID: "STU20250001", SessionID: "s2", TokenValue: fresh.Value}
	if err := m.ConsumeAndRecord(ctx, fresh, rec3); !errors.Is(err, qr.ErrTokenConsumed) {
		t.Fatalf("err = %v, want ErrTokenConsumed", err)
	}
	if n, _ := m.CountRecords(ctx, "s2"); n != 0 {
		t.Errorf("records for s2 = %d, want 0", n)
	}
}

func TestConsumeTokenCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tok := seedToken(t, m, "STU20250001", "cccc555566")

	if err := m.ConsumeToken(ctx, tok.StudentID, tok.Value); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := m.ConsumeToken(ctx, tok.StudentID, tok.Value); !errors.Is(err, qr.ErrTokenConsumed) {
		t.Fatalf("second consume err = %v, want ErrTokenConsumed", err)
	}
	// Superseded values never match the CAS either.
	seedToken(t, m, "STU20250001", "dddd777788")
	if err := m.ConsumeToken(ctx, tok.StudentID, tok.Value); !errors.Is(err, qr.ErrTokenConsumed) {
		t.Fatalf("stale value consume err = %v, want ErrTokenConsumed", err)
	}
}

func TestConsumeAndRecordConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tok := seedToken(t, m, "STU20250001", "eeee999900")

	const n = 10
	wins := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := attendance.Record{ID: "r", StudentID: "STU20250001", SessionID: "s1", TokenValue: tok.Value}
			if err := m.ConsumeAndRecord(ctx, tok, rec); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if n, _ := m.CountRecords(ctx, "s1"); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestScanAuditTrail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, outcome := range []string{"accepted", "duplicate_attendance"} {
		err := m.InsertScanAudit(ctx, attendance.ScanAudit{ID: outcome, SessionID: "s1", Outcome: outcome})
		if err != nil {
			t.Fatalf("insert audit: %v", err)
		}
	}
	audits := m.ScanAudits()
	if len(audits) != 2 {
		t.Fatalf("audits = %d, want 2", len(audits))
	}
	if audits[0].Outcome != "accepted" {
		t.Errorf("audit order not preserved: %+v", audits)
	}
	if audits[0].At.IsZero() {
		t.Error("audit timestamp not defaulted")
	}
}
