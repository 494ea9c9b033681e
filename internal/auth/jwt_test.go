package auth

import (
	"testing"
	"time"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	pair, err := Issue("STU20250001", RoleStudent, "attendance", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(pair.AccessToken, "test-key", "attendance")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "STU20250001" || claims.Role != RoleStudent {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejectsWrongKeyAndIssuer(t *testing.T) {
	pair, err := Issue("admin1", RoleAdmin, "attendance", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Parse(pair.AccessToken, "other-key", "attendance"); err == nil {
		t.Error("expected error for wrong signing key")
	}
	if _, err := Parse(pair.AccessToken, "test-key", "someone-else"); err == nil {
		t.Error("expected error for issuer mismatch")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("STU20250001", RoleStudent, "attendance", "test-key", -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, "test-key", "attendance"); err == nil {
		t.Error("expected error for expired token")
	}
}
