package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claim{
		SubjectID: "sub-1",
		Email:     "maria@example.com",
		Name:      "Maria",
		Role:      "admin",
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claim, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claim.SubjectID != "sub-1" {
		t.Errorf("expected subject sub-1, got %q", claim.SubjectID)
	}
	if claim.Email != "maria@example.com" {
		t.Errorf("expected email, got %q", claim.Email)
	}
	if claim.Role != "admin" {
		t.Errorf("expected role admin, got %q", claim.Role)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a"), Claim{SubjectID: "sub-1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken([]byte("secret-b"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claim{SubjectID: "sub-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ParseToken([]byte("test-secret"), "definitely-not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsMissingSubject(t *testing.T) {
	token, err := IssueToken([]byte("test-secret"), Claim{Email: "x@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken([]byte("test-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
