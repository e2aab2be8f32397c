// Package secrets resolves runtime credentials (today: the SMTP password)
// from either the environment or a 1Password Connect vault.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Provider resolves a named secret. An empty value with a nil error means
// the secret is simply not configured.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// Config selects and configures the secrets backend.
type Config struct {
	// Backend is "1password", "env", or "auto". Auto uses 1Password when
	// the Connect credentials are present, the environment otherwise.
	Backend string

	// 1Password Connect configuration.
	ConnectHost  string // OP_CONNECT_HOST
	ConnectToken string // OP_CONNECT_TOKEN
	VaultID      string // OP_VAULT_ID
}

// ConfigFromEnv builds the backend config from environment variables.
func ConfigFromEnv() Config {
	backend := os.Getenv("UPMON_SECRETS_BACKEND")
	if backend == "" {
		backend = "auto"
	}
	return Config{
		Backend:      backend,
		ConnectHost:  os.Getenv("OP_CONNECT_HOST"),
		ConnectToken: os.Getenv("OP_CONNECT_TOKEN"),
		VaultID:      os.Getenv("OP_VAULT_ID"),
	}
}

// NewProvider creates the secrets backend from config.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordProvider(cfg, logger)

	case "env":
		return NewEnvProvider(), nil

	case "auto":
		if cfg.ConnectHost != "" && cfg.ConnectToken != "" && cfg.VaultID != "" {
			p, err := NewOnePasswordProvider(cfg, logger)
			if err != nil {
				logger.Warn("1Password unavailable, falling back to environment", "error", err)
				return NewEnvProvider(), nil
			}
			return p, nil
		}
		logger.Info("1Password Connect not configured, reading secrets from environment")
		return NewEnvProvider(), nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

// EnvProvider reads secrets from environment variables. The secret name
// "smtp-password" maps to SMTP_PASSWORD.
type EnvProvider struct{}

// NewEnvProvider creates the environment-backed provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Get resolves a secret from the environment.
func (p *EnvProvider) Get(ctx context.Context, name string) (string, error) {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return os.Getenv(key), nil
}
