// Package auth signs and verifies the bearer tokens handed out at login.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/labreserve/internal/persistence"
)

// ErrInvalidToken covers every token that does not verify: bad signature,
// wrong algorithm, expired or missing a subject.
var ErrInvalidToken = errors.New("invalid token")

const issuer = "labreserve"

// Claims is the payload of a login token.
type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Issuer issues HS256 tokens. It implements application.TokenIssuer.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer signing with secret. now may be nil.
func NewIssuer(secret string, ttl time.Duration, now func() time.Time) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("auth: token ttl must be positive, got %s", ttl)
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: now}, nil
}

// Issue signs a token for user valid from now for the configured ttl.
func (i *Issuer) Issue(user persistence.User, now time.Time) (string, time.Time, error) {
	expires := now.Add(i.ttl)
	claims := Claims{
		Role:  string(user.Role),
		Email: user.Email,
		Name:  user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies token and returns its claims. A "Bearer " prefix is
// accepted.
func (i *Issuer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Subject returns the user id of a valid token.
func (i *Issuer) Subject(token string) (string, error) {
	claims, err := i.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
