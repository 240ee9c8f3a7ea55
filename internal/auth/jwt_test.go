package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	tokens, err := Issue("u1", "instructor", "classtrack", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := Parse(tokens.AccessToken, "test-key", "classtrack")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != "instructor" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	tokens, err := Issue("u1", "admin", "classtrack", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(tokens.AccessToken, "other-key", "classtrack"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	tokens, err := Issue("u1", "admin", "someone-else", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(tokens.AccessToken, "test-key", "classtrack"); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}
