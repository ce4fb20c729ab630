package auth

import (
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT(42, "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := ParseJWT(tok, "s3cret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != 42 {
		t.Fatalf("unexpected id: %d", id)
	}
}

func TestParseRejectsWrongSecretAndExpired(t *testing.T) {
	tok, _ := SignJWT(7, "a", time.Hour)
	if _, err := ParseJWT(tok, "b"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	expired, _ := SignJWT(7, "a", -time.Minute)
	if _, err := ParseJWT(expired, "a"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}
