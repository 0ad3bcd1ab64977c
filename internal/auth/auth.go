// Package auth mints opaque identities bound to a secret and issues the
// session tokens that carry them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/kanal/internal/kv"
)

const MinSecretLength = 6

var (
	ErrInvalidCredentials = errors.New("invalid identity or secret")
	ErrWeakSecret         = fmt.Errorf("secret must be at least %d characters", MinSecretLength)
)

type Service struct {
	credentials *kv.Map[string, string]
	jwtSecret   string
	tokenTTL    time.Duration
	cost        int
}

type Claims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

func New(credentials *kv.Map[string, string], jwtSecret string) *Service {
	return NewWithTokenTTL(credentials, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(credentials *kv.Map[string, string], jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		credentials: credentials,
		jwtSecret:   jwtSecret,
		tokenTTL:    tokenTTL,
		cost:        bcrypt.DefaultCost,
	}
}

// WithHashCost overrides the bcrypt cost used for new secrets.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// CreateIdentity mints a fresh identity protected by secret and returns it
// with a session token.
func (s *Service) CreateIdentity(ctx context.Context, secret string) (identity, token string, err error) {
	if len(secret) < MinSecretLength {
		return "", "", ErrWeakSecret
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash secret: %w", err)
	}

	identity = uuid.NewString()
	if _, _, err := s.credentials.Insert(ctx, identity, string(hash)); err != nil {
		return "", "", fmt.Errorf("failed to store credentials: %w", err)
	}

	token, err = s.GenerateToken(identity)
	if err != nil {
		return "", "", err
	}
	return identity, token, nil
}

func (s *Service) Login(ctx context.Context, identity, secret string) (string, error) {
	identity = strings.TrimSpace(identity)

	hash, ok, err := s.credentials.Get(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if !ok {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := s.GenerateToken(identity)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, nil
}

func (s *Service) GenerateToken(identity string) (string, error) {
	claims := Claims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid || claims.Identity == "" {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// IdentityExists reports whether identity was minted by CreateIdentity.
func (s *Service) IdentityExists(ctx context.Context, identity string) (bool, error) {
	ok, err := s.credentials.Contains(ctx, identity)
	if err != nil {
		return false, fmt.Errorf("failed to query credentials: %w", err)
	}
	return ok, nil
}
