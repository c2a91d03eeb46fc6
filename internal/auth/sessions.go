package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "spendsight"
	defaultSessionTTL = 24 * time.Hour
	minSecretLength   = 16
)

var (
	errInvalidToken = errors.New("invalid session token")
	errRevokedToken = errors.New("session has been signed out")
)

// Claims is what a verified session token carries
type Claims struct {
	UserID    string
	TokenID   string
	ExpiresAt time.Time
}

// Sessions issues and verifies HS256 session tokens. Each token has a
// unique ID so sign-out can revoke it before it expires.
type Sessions struct {
	secret  []byte
	ttl     time.Duration
	issuer  string
	revoker Revoker
	now     func() time.Time
}

// NewSessions builds a session issuer. A nil revoker keeps revocations in
// memory.
func NewSessions(secret string, ttl time.Duration, revoker Revoker) (*Sessions, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d characters", minSecretLength)
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if revoker == nil {
		revoker = NewMemoryRevoker()
	}
	return &Sessions{
		secret:  []byte(secret),
		ttl:     ttl,
		issuer:  defaultIssuer,
		revoker: revoker,
		now:     time.Now,
	}, nil
}

// Issue signs a token for userID
func (s *Sessions) Issue(userID string) (string, time.Time, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return token, expiresAt.Truncate(time.Second), nil
}

// Verify checks the signature, expiry and revocation of a token
func (s *Sessions) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := s.revoker.IsRevoked(ctx, claims.TokenID)
	if err != nil {
		return nil, fmt.Errorf("checking revocation: %w", err)
	}
	if revoked {
		return nil, errRevokedToken
	}
	return claims, nil
}

// Revoke invalidates a token for the rest of its lifetime
func (s *Sessions) Revoke(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	return s.revoker.Revoke(ctx, claims.TokenID, claims.ExpiresAt.Sub(s.now()))
}

func (s *Sessions) parse(token string) (*Claims, error) {
	var registered jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &registered, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if registered.Subject == "" || registered.ID == "" || registered.ExpiresAt == nil {
		return nil, errInvalidToken
	}
	return &Claims{
		UserID:    registered.Subject,
		TokenID:   registered.ID,
		ExpiresAt: registered.ExpiresAt.Time,
	}, nil
}
