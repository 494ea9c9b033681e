package qr_test

import (
	"testing"

	"attendance/internal/qr"
)

func TestParseScan(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
		sid  string
		val  string
	}{
		{name: "valid", raw: "ATT:STU20250001:a1b2c3d4e5", ok: true, sid: "STU20250001", val: "a1b2c3d4e5"},
		{name: "empty", raw: "", ok: false},
		{name: "one part", raw: "ATT:onlyonepart", ok: false},
		{name: "wrong prefix", raw: "NOTATT:x:y", ok: false},
		{name: "lowercase prefix", raw: "att:x:y", ok: false},
		{name: "empty student", raw: "ATT::abc", ok: false},
		{name: "empty token", raw: "ATT:STU20250001:", ok: false},
		{name: "extra separator", raw: "ATT:STU20250001:abc:def", ok: false},
		{name: "bare prefix", raw: "ATT", ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sid, val, ok := qr.ParseScan(tc.raw)
			if ok != tc.ok {
				t.Fatalf("ParseScan(%q) ok = %v, want %v", tc.raw, ok, tc.ok)
			}
			if !tc.ok {
				return
			}
			if sid != tc.sid || val != tc.val {
				t.Errorf("ParseScan(%q) = (%q, %q), want (%q, %q)", tc.raw, sid, val, tc.sid, tc.val)
			}
		})
	}
}

func TestTokenPayloadRoundTrip(t *testing.T) {
	tok := qr.Token{StudentID: "STU20250001", Value: "deadbeef01"}
	sid, val, ok := qr.ParseScan(tok.Payload())
	if !ok {
		t.Fatalf("payload %q did not parse", tok.Payload())
	}
	if sid != tok.StudentID || val != tok.Value {
		t.Errorf("round trip gave (%q, %q)", sid, val)
	}
}
