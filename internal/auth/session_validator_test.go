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
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
)

var testSessionNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestSessionValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock:         func() time.Time { return testSessionNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func mintSession(t *testing.T, mutate func(*SessionClaims)) string {
	t.Helper()
	claims := SessionClaims{
		UserID:    testSessionUserID,
		UserRoles: []string{"student"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(testSessionNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testSessionNow.Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(&claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := newTestSessionValidator(t)

	claims, err := validator.ValidateToken(mintSession(t, nil))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || len(claims.UserRoles) != 1 {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestSessionValidatorRejections(t *testing.T) {
	validator := newTestSessionValidator(t)

	testCases := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name: "expired",
			token: mintSession(t, func(c *SessionClaims) {
				c.ExpiresAt = jwt.NewNumericDate(testSessionNow.Add(-time.Hour))
			}),
			wantErr: ErrExpiredSessionToken,
		},
		{
			name: "foreign issuer",
			token: mintSession(t, func(c *SessionClaims) {
				c.Issuer = "someone-else"
			}),
			wantErr: ErrInvalidSessionToken,
		},
		{
			name: "no expiry",
			token: mintSession(t, func(c *SessionClaims) {
				c.ExpiresAt = nil
			}),
			wantErr: ErrInvalidSessionToken,
		},
		{
			name: "no subject",
			token: mintSession(t, func(c *SessionClaims) {
				c.UserID = ""
				c.Subject = ""
			}),
			wantErr: ErrMissingSessionSubject,
		},
		{
			name:    "blank",
			token:   "  ",
			wantErr: ErrMissingSessionToken,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestSessionValidatorToleratesClockSkew(t *testing.T) {
	validator := newTestSessionValidator(t)
	token := mintSession(t, func(c *SessionClaims) {
		c.ExpiresAt = jwt.NewNumericDate(testSessionNow.Add(-10 * time.Second))
	})
	if _, err := validator.ValidateToken(token); err != nil {
		t.Fatalf("expected token inside the leeway to validate: %v", err)
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	validator := newTestSessionValidator(t)
	token := mintSession(t, nil)

	fromCookie := httptest.NewRequest(http.MethodGet, "/catalog", http.NoBody)
	fromCookie.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})
	if _, err := validator.ValidateRequest(fromCookie); err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}

	fromHeader := httptest.NewRequest(http.MethodGet, "/catalog", http.NoBody)
	fromHeader.Header.Set("Authorization", "Bearer "+token)
	claims, err := validator.ValidateRequest(fromHeader)
	if err != nil {
		t.Fatalf("bearer validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/catalog", http.NoBody)
	anonymous.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}

func TestNewSessionValidatorRequiresSecretAndCookie(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: "c"}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected ErrMissingSessionSigningKey, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s")}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected ErrMissingSessionCookieName, got %v", err)
	}
}
