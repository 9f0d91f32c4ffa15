package remote

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of minted service tokens.
const DefaultTokenTTL = 15 * time.Minute

// DefaultRole is the database role claimed by service tokens.
const DefaultRole = "service_role"

// Claims are the claims carried by a service token.
type Claims struct {
	StoreID string `json:"store_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// TokenSource mints HS256 service tokens scoped to one tenant and caches
// each token until shortly before it expires.
type TokenSource struct {
	secret  []byte
	storeID string
	role    string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a token source. Zero ttl and empty role use the defaults.
func NewTokenSource(secret, storeID, role string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if role == "" {
		role = DefaultRole
	}
	return &TokenSource{
		secret:  []byte(secret),
		storeID: storeID,
		role:    role,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Token returns a valid signed token, minting a new one when the cached token
// is within a minute of expiry.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(time.Minute).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := Claims{
		StoreID: s.storeID,
		Role:    s.role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.storeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("remote: sign token: %w", err)
	}
	s.token = signed
	s.expires = expires
	return signed, nil
}

// ParseToken verifies an HS256 service token and returns its claims.
func ParseToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("remote: parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("remote: parse token: invalid token")
	}
	return claims, nil
}
