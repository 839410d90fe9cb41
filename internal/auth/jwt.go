// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// Package auth mints and validates the per-device JWTs presented to
// the remote sync API.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload carried on sync requests. The device id
// travels in the "did" claim.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// JWTAuth signs and validates device tokens with a shared HMAC secret.
type JWTAuth struct {
	secret []byte
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// GenerateToken mints an HS256 token for deviceID valid for ttl.
func (a *JWTAuth) GenerateToken(deviceID string, ttl time.Duration) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("auth: device id is empty")
	}
	now := time.Now()
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses tokenString and returns its claims. Tokens
// signed with any method other than HMAC are rejected.
func (a *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("auth: token missing device id")
	}
	return claims, nil
}

// TokenProvider yields a bearer token for outgoing requests. The
// zero-value provider with no auth configured returns empty strings.
type TokenProvider struct {
	auth     *JWTAuth
	deviceID string
	ttl      time.Duration

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewTokenProvider returns a provider that re-mints the device token
// shortly before expiry. A nil provider disables the Authorization
// header.
func NewTokenProvider(secret, deviceID string) *TokenProvider {
	if secret == "" {
		return nil
	}
	return &TokenProvider{
		auth:     NewJWTAuth(secret),
		deviceID: deviceID,
		ttl:      time.Hour,
	}
}

// Token returns a valid bearer token, reusing the cached one until it
// is within a minute of expiry. Safe for concurrent use; the uploader
// and download worker share one provider.
func (p *TokenProvider) Token() (string, error) {
	if p == nil {
		return "", nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != "" && time.Until(p.expiresAt) > time.Minute {
		return p.cached, nil
	}
	tok, err := p.auth.GenerateToken(p.deviceID, p.ttl)
	if err != nil {
		return "", err
	}
	p.cached = tok
	p.expiresAt = time.Now().Add(p.ttl)
	return tok, nil
}
