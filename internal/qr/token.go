// Package qr implements the QR attendance credential core: short-lived
// single-use tokens issued per student and validated exactly once
// against a live session.
package qr

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// Prefix tags every scannable payload.
	Prefix = "ATT"

	// DefaultTTL is the token validity window from issuance.
	DefaultTTL = 30 * time.Second

	// valueLen is the length of the opaque token value. Long enough
	// that single-attempt guessing within one TTL window is hopeless,
	// short enough to keep QR payloads small.
	valueLen = 10
)

// Token is one issued credential. At most one unconsumed, unexpired
// token exists per student: issuing a new one supersedes the previous.
type Token struct {
	StudentID string    `json:"student_id"`
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// Expired reports whether the token is past its TTL. The expiry
// instant itself is still valid.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Payload renders the scannable text for a token.
func (t Token) Payload() string {
	return Prefix + ":" + t.StudentID + ":" + t.Value
}

// newValue derives an opaque token value from the student ID, the
// issuance instant and fresh entropy, truncated to a short hex string.
func newValue(studentID string, now time.Time) string {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(now.UnixNano()))
	h := sha256.New()
	h.Write([]byte(studentID))
	h.Write(buf[:])
	if _, err := rand.Read(buf[:]); err == nil {
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:valueLen]
}

// ParseScan splits a scanned payload of the exact form
// "ATT:<studentId>:<token>". ok is false for any other shape.
func ParseScan(raw string) (studentID, value string, ok bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 || parts[0] != Prefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
