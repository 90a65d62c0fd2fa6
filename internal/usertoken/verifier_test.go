package usertoken

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Issuer:    defaultIssuer,
		Audience:  jwt.ClaimStrings{defaultAudience},
		Subject:   "user-1",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func TestVerifySubject(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	subject, err := v.VerifySubject(signToken(t, testSecret, validClaims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "user-1" {
		t.Fatalf("subject = %q, want user-1", subject)
	}
}

func TestVerifySubjectRejectsWrongSecret(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := v.VerifySubject(signToken(t, "other-secret", validClaims())); err == nil {
		t.Fatal("expected verification to fail with wrong secret")
	}
}

func TestVerifySubjectRejectsExpired(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().UTC().Add(-time.Hour))
	if _, err := v.VerifySubject(signToken(t, testSecret, claims)); err == nil {
		t.Fatal("expected verification to fail for expired token")
	}
}

func TestVerifySubjectRejectsWrongAudience(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	claims := validClaims()
	claims.Audience = jwt.ClaimStrings{"other-api"}
	if _, err := v.VerifySubject(signToken(t, testSecret, claims)); err == nil {
		t.Fatal("expected verification to fail for wrong audience")
	}
}

func TestVerifySubjectRejectsMissingSubject(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	claims := validClaims()
	claims.Subject = ""
	if _, err := v.VerifySubject(signToken(t, testSecret, claims)); err == nil {
		t.Fatal("expected verification to fail for missing subject")
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
