package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "whiteboard-auth"
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

var testClockNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func mustValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock:         func() time.Time { return testClockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signSessionToken(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() SessionClaims {
	return SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testClockNow.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := mustValidator(t)
	claims, err := validator.ValidateToken(signSessionToken(t, validClaims(), testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserEmail != testSessionUserEmail {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionValidatorRejections(t *testing.T) {
	validator := mustValidator(t)

	expired := validClaims()
	expired.IssuedAt = jwt.NewNumericDate(testClockNow.Add(-2 * time.Hour))
	expired.NotBefore = nil
	expired.ExpiresAt = jwt.NewNumericDate(testClockNow.Add(-time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	noSubject := validClaims()
	noSubject.Subject = ""

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "empty", token: "  ", wantErr: ErrMissingSessionToken},
		{name: "expired", token: signSessionToken(t, expired, testSessionSigningSecret), wantErr: ErrExpiredSessionToken},
		{name: "wrong secret", token: signSessionToken(t, validClaims(), "other"), wantErr: ErrInvalidSessionToken},
		{name: "wrong issuer", token: signSessionToken(t, wrongIssuer, testSessionSigningSecret), wantErr: ErrInvalidSessionToken},
		{name: "missing subject", token: signSessionToken(t, noSubject, testSessionSigningSecret), wantErr: ErrMissingSessionSubject},
		{name: "garbage", token: "not-a-jwt", wantErr: ErrInvalidSessionToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	validator := mustValidator(t)
	token := signSessionToken(t, validClaims(), testSessionSigningSecret)

	testCases := []struct {
		name    string
		prepare func(*http.Request)
		target  string
	}{
		{
			name: "cookie",
			prepare: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})
			},
			target: "/rooms",
		},
		{
			name: "bearer header",
			prepare: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+token)
			},
			target: "/rooms",
		},
		{
			name:    "query parameter",
			prepare: func(*http.Request) {},
			target:  "/connect/alpha?access_token=" + token,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, testCase.target, nil)
			testCase.prepare(request)
			claims, err := validator.ValidateRequest(request)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.UserID != testSessionUserID {
				t.Fatalf("unexpected user id %q", claims.UserID)
			}
		})
	}
}

func TestSessionValidatorCookieTakesPrecedence(t *testing.T) {
	validator := mustValidator(t)
	request := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signSessionToken(t, validClaims(), testSessionSigningSecret)})
	request.Header.Set("Authorization", "Bearer garbage")
	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("expected cookie token to win, got %v", err)
	}
}

func TestSessionValidatorValidateRequestMissingToken(t *testing.T) {
	validator := mustValidator(t)
	request := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresConfig(t *testing.T) {
	testCases := []struct {
		name    string
		config  SessionValidatorConfig
		wantErr error
	}{
		{name: "secret", config: SessionValidatorConfig{Issuer: "i", CookieName: "c"}, wantErr: ErrMissingSessionSigningKey},
		{name: "issuer", config: SessionValidatorConfig{SigningSecret: []byte("s"), CookieName: "c"}, wantErr: ErrMissingSessionIssuer},
		{name: "cookie", config: SessionValidatorConfig{SigningSecret: []byte("s"), Issuer: "i"}, wantErr: ErrMissingSessionCookieName},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewSessionValidator(testCase.config); !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}
