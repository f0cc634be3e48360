// Package auth verifies the short-lived signed tokens presented on the
// first frame of every lobby connection.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Rejection reasons. AuthRejected failures are fatal to the connection and
// never retried by the engine.
var (
	ErrMalformed    = errors.New("token malformed")
	ErrBadSignature = errors.New("token signature invalid")
	ErrExpired      = errors.New("token expired")
)

// Identity is the verified subject bound to an authenticated session.
type Identity struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Config holds everything the gate needs. Plain values, no builder.
type Config struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
}

// Gate verifies bearer tokens. Verification is pure and side-effect-free, so
// re-invoking it mid-session for re-authentication is always safe.
type Gate struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewGate constructs a Gate from explicit configuration.
func NewGate(cfg Config) (*Gate, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth secret is required")
	}
	return &Gate{
		secret: append([]byte(nil), cfg.Secret...),
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
	}, nil
}

// Verify checks signature, issuer, and the issued-at/expiry window against
// the current time with the configured clock-skew leeway. It returns the
// verified identity or one of ErrMalformed, ErrBadSignature, ErrExpired.
func (g *Gate) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMalformed
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(g.leeway),
		jwt.WithExpirationRequired(),
	}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, classify(err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrMalformed
	}

	id := Identity{UserID: claims.Subject}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	default:
		// Unparseable tokens, wrong alg, bad issuer, not-yet-valid: the
		// caller only distinguishes the three rejection reasons.
		return ErrMalformed
	}
}

// Sign mints an HS512 token for the given subject. Used by the dev tooling
// and tests; the engine itself only verifies.
func Sign(secret []byte, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
