package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func hmacKey(*jwt.Token) (interface{}, error) { return secret, nil }

func TestInspectExpired(t *testing.T) {
	now := time.Now()
	token := sign(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}})
	if _, err := Inspect(token, now); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestInspectValid(t *testing.T) {
	now := time.Now()
	token := sign(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
		Host:             "laptop",
	})
	claims, err := Inspect(token, now)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if claims.Subject != "user-1" || claims.Host != "laptop" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestInspectGarbage(t *testing.T) {
	if _, err := Inspect("not-a-token", time.Now()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestVerify(t *testing.T) {
	v := NewStaticVerifier(hmacKey, "laptop")
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name    string
		claims  Claims
		wantErr bool
	}{
		{
			name:   "valid",
			claims: Claims{RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{Audience}, ExpiresAt: exp}, Host: "laptop"},
		},
		{
			name:    "wrong audience",
			claims:  Claims{RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"other"}, ExpiresAt: exp}},
			wantErr: true,
		},
		{
			name:    "wrong host",
			claims:  Claims{RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{Audience}, ExpiresAt: exp}, Host: "desktop"},
			wantErr: true,
		},
		{
			name:    "expired",
			claims:  Claims{RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{Audience}, ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(sign(t, tc.claims))
			if (err != nil) != tc.wantErr {
				t.Fatalf("Verify err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestHeader(t *testing.T) {
	if Header("") != nil {
		t.Fatal("empty token should produce no header")
	}
	if got := Header("abc").Get("Authorization"); got != "Bearer abc" {
		t.Fatalf("Authorization = %q", got)
	}
}
