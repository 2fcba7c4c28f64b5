// Package auth signs and verifies the console's bearer tokens.
package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// RoleOperator may list, edit, delete and command devices.
const RoleOperator = "operator"

// ErrNoSecret is returned when signing or parsing without a configured secret.
var ErrNoSecret = errors.New("auth secret is not configured")

type Claims struct {
	Subject string `json:"sub_name"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and validates HS256 tokens.
type Signer struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// NewSigner returns nil when secret is empty, meaning auth is disabled.
func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{Secret: []byte(secret), Issuer: issuer, TTL: ttl}
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Signer) Sign(subject, role string) (string, error) {
	if s == nil || len(s.Secret) == 0 {
		return "", ErrNoSecret
	}
	now := s.now()
	claims := Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.Secret)
}

func (s *Signer) Parse(tokenStr string) (*Claims, error) {
	if s == nil || len(s.Secret) == 0 {
		return nil, ErrNoSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}
