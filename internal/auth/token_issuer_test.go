package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var issuerTestNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestIssueAndValidateOperatorToken(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Clock:         func() time.Time { return issuerTestNow },
	})

	token, expiresIn, err := issuer.IssueOperatorToken(context.Background(), "ops-lee")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry: got %d seconds", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "ops-lee" {
		t.Fatalf("unexpected subject: %q", subject)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Clock:         func() time.Time { return issuerTestNow },
	})
	token, _, err := issuer.IssueOperatorToken(context.Background(), "ops-lee")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	late := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Clock:         func() time.Time { return issuerTestNow.Add(2 * time.Hour) },
	})
	if _, err := late.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Clock:         func() time.Time { return issuerTestNow },
	})
	token, _, err := issuer.IssueOperatorToken(context.Background(), "ops-lee")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Clock:         func() time.Time { return issuerTestNow },
	})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected signature mismatch to be rejected")
	}
}

func TestValidateRejectsTokenWithoutOperatorRole(t *testing.T) {
	secret := []byte("test-secret")
	now := issuerTestNow

	roleless := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops-lee",
		Issuer:    "planfacts-admin",
		Audience:  []string{"planfacts-api"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Minute)),
	})
	signed, err := roleless.SignedString(secret)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: secret,
		Clock:         func() time.Time { return now },
	})
	if _, err := issuer.ValidateToken(signed); !errors.Is(err, errMissingOperatorRole) {
		t.Fatalf("expected role rejection, got %v", err)
	}
}

func TestIssueRequiresSecretAndOperator(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{})
	if _, _, err := issuer.IssueOperatorToken(context.Background(), "ops-lee"); err == nil {
		t.Fatalf("expected missing secret to fail")
	}

	issuer = NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("test-secret")})
	if _, _, err := issuer.IssueOperatorToken(context.Background(), ""); err == nil {
		t.Fatalf("expected missing operator to fail")
	}
}
