package auth

import (
	"fmt"

	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "external":
		return NewExternalProvider(cfg.Issuer)
	case "builtin", "":
		return NewService(s, cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
