package services

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 7 * 24 * time.Hour

type stepBClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies Step-B capability tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the issuer's time source.
func (t *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	t.now = now
	return t
}

func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue returns a token bound to email and the instant it was issued.
func (t *TokenIssuer) Issue(email string) (string, time.Time, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", time.Time{}, NewInvalidError("email required for token")
	}
	if len(t.secret) == 0 {
		return "", time.Time{}, errors.New("token secret not configured")
	}
	now := t.now().Truncate(time.Second)
	claims := stepBClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, now, nil
}

// Verify checks signature and expiry and returns the bound email.
func (t *TokenIssuer) Verify(tok string) (string, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", NewInvalidTokenError("missing token")
	}
	parsed, err := jwt.ParseWithClaims(tok, &stepBClaims{}, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", NewInvalidTokenError("token expired")
		}
		return "", NewInvalidTokenError("invalid token")
	}
	c, ok := parsed.Claims.(*stepBClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Email) == "" {
		return "", NewInvalidTokenError("invalid token")
	}
	return NormalizeEmail(c.Email), nil
}

// Expired reports whether tok is unusable as of now. Unparseable tokens count as expired.
func (t *TokenIssuer) Expired(tok string) bool {
	_, err := t.Verify(tok)
	return err != nil
}
