// Package auth inspects and verifies the access token presented to a host.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Audience is the audience host tokens are issued for.
const Audience = "agent-host"

var ErrTokenExpired = errors.New("access token expired")

// Claims are the claims of a host access token.
type Claims struct {
	jwt.RegisteredClaims
	Host string `json:"host,omitempty"`
}

// Inspect parses token without verifying its signature. The client uses it
// to avoid dialing with a token that is already expired.
func Inspect(token string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return claims, ErrTokenExpired
	}
	return claims, nil
}

// Header returns the dial header carrying token, or nil for an empty token.
func Header(token string) http.Header {
	if token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// Verifier checks token signatures against a key source.
type Verifier struct {
	keyfunc jwt.Keyfunc
	host    string
	cancel  context.CancelFunc
}

// NewVerifier fetches and refreshes keys from jwksURL in the background
// until Close is called.
func NewVerifier(ctx context.Context, jwksURL, host string) (*Verifier, error) {
	ctx, cancel := context.WithCancel(ctx)
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	return &Verifier{keyfunc: k.Keyfunc, host: host, cancel: cancel}, nil
}

// NewStaticVerifier verifies with a fixed key function.
func NewStaticVerifier(kf jwt.Keyfunc, host string) *Verifier {
	return &Verifier{keyfunc: kf, host: host}
}

// Verify validates the signature, expiry, audience and host binding.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, v.keyfunc, jwt.WithAudience(Audience))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if v.host != "" && claims.Host != "" && claims.Host != v.host {
		return nil, fmt.Errorf("host mismatch: expected %s, got %s", v.host, claims.Host)
	}
	return claims, nil
}

// Close stops background key refresh.
func (v *Verifier) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}
