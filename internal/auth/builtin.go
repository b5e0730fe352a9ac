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

	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims issued by the builtin provider.
type Claims struct {
	UserID         string `json:"uid"`
	Email          string `json:"email"`
	EmailConfirmed bool   `json:"email_confirmed"`
	jwt.RegisteredClaims
}

// Service is the builtin email/password auth provider.
// It implements Provider and SignupProvider.
type Service struct {
	store     store.Store
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates a new builtin auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:     s,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Signup creates a new account and returns the user plus a session token.
func (s *Service) Signup(ctx context.Context, email, password string) (*store.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, "", fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, "", ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", fmt.Errorf("create user: %w", err)
	}

	token, err := s.generateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return &Identity{
		UserID:         claims.UserID,
		Email:          claims.Email,
		EmailConfirmed: claims.EmailConfirmed,
	}, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:         user.ID,
		Email:          user.Email,
		EmailConfirmed: user.EmailConfirmed,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
