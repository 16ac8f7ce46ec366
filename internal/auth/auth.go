// Package auth issues and verifies the bearer access/refresh token pair
// and hashes worker account passwords. Refresh tokens are rotated on use;
// the superseded token goes into the ephemeral revocation set for the
// remainder of its lifetime.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"quantumhive/internal/redisx"
)

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrExpired means the token signature verified but the token is past its expiry.
	ErrExpired = errors.New("auth: token expired")
	// ErrInvalid means the token failed verification.
	ErrInvalid = errors.New("auth: invalid token")
	// ErrRevoked means the token is in the revocation set.
	ErrRevoked = errors.New("auth: token revoked")
)

// Claims is the JWT payload for both token types.
type Claims struct {
	Type string `json:"type"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Pair is an access/refresh token pair as returned to clients.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Service signs, verifies and revokes bearer tokens.
type Service struct {
	secret     []byte
	rdb        *redisx.Client
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService returns a Service signing with the given key.
func NewService(secret []byte, rdb *redisx.Client, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{secret: secret, rdb: rdb, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// VerifyPassword reports whether the plaintext matches the stored hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IssuePair signs a fresh access/refresh pair for the subject.
func (s *Service) IssuePair(sub, role string) (*Pair, error) {
	access, err := s.sign(sub, role, TypeAccess, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(sub, role, TypeRefresh, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &Pair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

func (s *Service) sign(sub, role, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Type: typ,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token of the expected type.
func (s *Service) Verify(tok, typ string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if claims.Type != typ {
		return nil, ErrInvalid
	}
	return &claims, nil
}

// Rotate validates a refresh token, revokes it and issues a new pair.
func (s *Service) Rotate(ctx context.Context, refresh string) (*Pair, error) {
	claims, err := s.Verify(refresh, TypeRefresh)
	if err != nil {
		return nil, err
	}
	revoked, err := s.rdb.IsRevoked(ctx, refresh)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevoked
	}
	if err := s.rdb.Revoke(ctx, refresh, s.refreshTTL); err != nil {
		return nil, err
	}
	return s.IssuePair(claims.Subject, claims.Role)
}

// CheckAccess validates an access token against signature, expiry and
// the revocation set.
func (s *Service) CheckAccess(ctx context.Context, tok string) (*Claims, error) {
	revoked, err := s.rdb.IsRevoked(ctx, tok)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevoked
	}
	return s.Verify(tok, TypeAccess)
}
