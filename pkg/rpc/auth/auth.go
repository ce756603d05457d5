// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth issues and verifies the shared-secret tokens that gateways
// and agents attach to rpc requests.
//
// Tokens are HS256 JWTs carrying the caller's node id. Every process in a
// cluster is configured with the same secret.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer   = "zapgate"
	DefaultTokenTTL = 15 * time.Minute

	// tokens are refreshed once less than this fraction of their ttl remains
	refreshFraction = 4
)

var (
	ErrNoSecret     = errors.New("auth: secret is required")
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims are carried by every cluster token.
type Claims struct {
	jwt.RegisteredClaims
	Node string `json:"node"`
	Role string `json:"role,omitempty"`
}

// Authenticator signs and verifies cluster tokens. It implements
// rpc.Verifier.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// New creates an Authenticator for secret. ttl <= 0 uses DefaultTokenTTL.
func New(secret string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Token signs a token for node.
func (a *Authenticator) Token(node, role string) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   node,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Node: node,
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies token and returns its claims.
func (a *Authenticator) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Node == "" {
		return nil, fmt.Errorf("%w: no node", ErrInvalidToken)
	}
	return claims, nil
}

// VerifyToken implements rpc.Verifier.
func (a *Authenticator) VerifyToken(token string) error {
	_, err := a.Parse(token)
	return err
}

// TokenSource returns a function suitable for rpc.WithPoolToken. It caches
// the signed token and re-signs it as expiry approaches.
func (a *Authenticator) TokenSource(node, role string) func() string {
	var (
		mu      sync.Mutex
		cached  string
		refresh time.Time
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if cached != "" && a.now().Before(refresh) {
			return cached
		}
		tok, exp, err := a.Token(node, role)
		if err != nil {
			logger.Error().Err(err).Str("node", node).Msg("failed to sign cluster token")
			return cached
		}
		cached = tok
		refresh = exp.Add(-a.ttl / refreshFraction)
		return cached
	}
}
