package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ExternalProvider validates tokens issued by a hosted identity provider
// using its published JWKS.
type ExternalProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewExternalProvider creates an ExternalProvider that fetches JWKS from the issuer.
func NewExternalProvider(issuer string) (*ExternalProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("auth issuer URL is required")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &ExternalProvider{
		issuer: issuer,
		jwks:   jwks,
	}, nil
}

// ValidateToken parses a provider-issued JWT and returns an Identity.
func (e *ExternalProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, e.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(e.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	email, _ := claims["email"].(string)
	confirmed, _ := claims["email_verified"].(bool)

	return &Identity{
		UserID:         sub,
		Email:          email,
		EmailConfirmed: confirmed,
	}, nil
}

// Name returns the provider name.
func (e *ExternalProvider) Name() string { return "external" }
