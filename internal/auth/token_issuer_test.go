package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTokenIssuerTokensPassValidation(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return testClockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresIn, err := issuer.Issue(SessionClaims{UserID: "user-9", UserDisplayName: "Nine"})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims, err := mustValidator(t).ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if claims.Subject != "user-9" || claims.UserDisplayName != "Nine" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.ExpiresAt.Time.Equal(testClockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt.Time)
	}
}

func TestTokenIssuerExpiredTokenRejected(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return testClockNow.Add(-time.Hour) },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	token, _, err := issuer.Issue(SessionClaims{UserID: "user-9"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := mustValidator(t).ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenIssuerRequiresUserID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue(SessionClaims{}); !errors.Is(err, errMissingUserID) {
		t.Fatalf("expected missing user id error, got %v", err)
	}
}

func TestTokenIssuerRejectsMissingConfig(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "i"}); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s")}); !errors.Is(err, errMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
