package auth

import (
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestSignAndParseRoundTrip(t *testing.T) {
	s := NewSigner("s3cret", "device-console", time.Hour)
	token, err := s.Sign("alice", RoleOperator)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := s.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != RoleOperator || claims.Issuer != "device-console" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	s := NewSigner("s3cret", "", time.Minute)
	s.Now = func() time.Time { return issued }
	token, err := s.Sign("bob", RoleOperator)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	s.Now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := s.Parse(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestParseRejectsForeignSecretAndIssuer(t *testing.T) {
	token, err := NewSigner("other", "device-console", time.Hour).Sign("eve", RoleOperator)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := NewSigner("s3cret", "device-console", time.Hour).Parse(token); err == nil {
		t.Fatalf("expected signature error")
	}

	token, _ = NewSigner("s3cret", "elsewhere", time.Hour).Sign("eve", RoleOperator)
	if _, err := NewSigner("s3cret", "device-console", time.Hour).Parse(token); err == nil {
		t.Fatalf("expected issuer error")
	}
}

func TestNilSignerReportsNoSecret(t *testing.T) {
	s := NewSigner("", "x", time.Hour)
	if s != nil {
		t.Fatalf("empty secret should disable signer")
	}
	if _, err := s.Sign("a", RoleOperator); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("Sign on nil signer = %v", err)
	}
	if _, err := s.Parse("x"); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("Parse on nil signer = %v", err)
	}
}
