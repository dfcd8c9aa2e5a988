// Package listen issues and verifies the signed tokens behind listen links.
package listen

import (
	"errors"
	"fmt"
	"songflow/internal/domain"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims binds a listen token to one production job.
type Claims struct {
	JobID string `json:"job_id"`
	jwt.RegisteredClaims
}

// Issuer signs listen tokens with an HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer. A zero ttl issues tokens without expiry; the
// play cap is what limits access.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("listen secret must be at least 16 bytes")
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (i *Issuer) Issue(jobID string) (string, error) {
	now := i.now()
	claims := &Claims{
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign listen token: %w", err)
	}
	return s, nil
}

// Parse verifies the token and returns the job it was issued for.
func (i *Issuer) Parse(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: empty listen token", domain.ErrInvalidInput)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: listen token expired", domain.ErrInvalidInput)
		}
		return "", fmt.Errorf("%w: invalid listen token: %w", domain.ErrInvalidInput, err)
	}
	if !token.Valid || claims.JobID == "" {
		return "", fmt.Errorf("%w: invalid listen token", domain.ErrInvalidInput)
	}
	return claims.JobID, nil
}
