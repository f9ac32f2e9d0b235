package security

import (
	"testing"
	"time"
)

func TestUserTokenRoundTrip(t *testing.T) {
	now := time.Now()
	raw, err := IssueUserToken("secret", "user-1", "u1@example.com", "User One", time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseUserToken("secret", raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID() != "user-1" || claims.Email != "u1@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseUserTokenRejects(t *testing.T) {
	now := time.Now()
	raw, _ := IssueUserToken("secret", "user-1", "", "", time.Hour, now)
	if _, err := ParseUserToken("other", raw); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}
	expired, _ := IssueUserToken("secret", "user-1", "", "", time.Minute, now.Add(-time.Hour))
	if _, err := ParseUserToken("secret", expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	if _, err := IssueUserToken("secret", " ", "", "", time.Hour, now); err == nil {
		t.Fatalf("expected empty subject to be refused")
	}
}

func TestAdminKey(t *testing.T) {
	hash, err := HashAdminKey("0123456789abcdef-admin")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckAdminKey(hash, "0123456789abcdef-admin") {
		t.Fatalf("expected key to match")
	}
	if CheckAdminKey(hash, "wrong-key-0123456789") {
		t.Fatalf("expected wrong key to fail")
	}
	if _, err := HashAdminKey("short"); err == nil {
		t.Fatalf("expected short key to be refused")
	}
}
