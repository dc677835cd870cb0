package security

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidateAcceptsFreshSignedHeaders(t *testing.T) {
	secret := "s3cr3t"
	r := httptest.NewRequest("GET", "/", nil)
	r.Header = Headers(secret)
	if !Validate(secret, r) {
		t.Fatalf("expected valid handshake to validate")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header = Headers("correct")
	if Validate("wrong", r) {
		t.Fatalf("expected mismatched secret to fail validation")
	}
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	secret := "s3cr3t"
	old := time.Now().Add(-time.Hour).Unix()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(HeaderTimestamp, "0")
	r.Header.Set(HeaderToken, Sign(secret, old))
	if Validate(secret, r) {
		t.Fatalf("expected stale/mismatched timestamp to fail validation")
	}
}

func TestValidateDisabledWithEmptySecret(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if !Validate("", r) {
		t.Fatalf("expected empty secret to disable auth")
	}
}
