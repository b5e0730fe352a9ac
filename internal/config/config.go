// Package config handles tallyd configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT or webhook secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level tallyd configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Billing   BillingConfig   `json:"billing"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the API listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	AppURL         string   `json:"app_url,omitempty"`         // dashboard base URL for checkout redirects
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider  string   `json:"provider,omitempty"`   // "builtin" (default) or "external"
	Issuer    string   `json:"issuer,omitempty"`     // external provider issuer URL (JWKS discovery)
	JWTSecret string   `json:"jwt_secret,omitempty"` // required for builtin
	JWTExpiry Duration `json:"jwt_expiry,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "tally.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"` // audit event retention; default 90 days
}

// BillingConfig defines payment provider settings. Disabled by default.
type BillingConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	SecretKey     string `json:"secret_key,omitempty"`      // provider API key for checkout
	WebhookSecret string `json:"webhook_secret,omitempty"`  // HMAC secret for webhook signatures
	ProviderURL   string `json:"provider_url,omitempty"`    // provider API base URL; default https://api.stripe.com
	ProPriceID    string `json:"pro_price_id,omitempty"`    // provider price ID for the PRO plan
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "external" && c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required when provider is external")
	}
	if c.Billing.Enabled && c.Billing.WebhookSecret == "" {
		return fmt.Errorf("billing.webhook_secret is required when billing is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "tally.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 90 * 24 * time.Hour
	}
	if c.Billing.ProviderURL == "" {
		c.Billing.ProviderURL = "https://api.stripe.com"
	}
	if c.Billing.ProPriceID == "" {
		c.Billing.ProPriceID = "price_pro_monthly"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.AppURL == "" {
		c.Server.AppURL = "http://localhost:3000"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
