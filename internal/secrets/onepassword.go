package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// OnePasswordProvider resolves secrets from a 1Password Connect vault.
// Each secret lives as an item whose title is the secret name; the value
// is read from the item's password or credential field. Resolved values
// are cached for the process lifetime, since the secrets this core reads
// only change on redeploy.
type OnePasswordProvider struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewOnePasswordProvider creates the vault-backed provider.
func NewOnePasswordProvider(cfg Config, logger *slog.Logger) (*OnePasswordProvider, error) {
	if cfg.ConnectHost == "" || cfg.ConnectToken == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.ConnectHost, cfg.ConnectToken, "upmon")

	return &OnePasswordProvider{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger.With("component", "secrets"),
		cache:   make(map[string]string),
	}, nil
}

// Get resolves a secret by item title. A missing item returns "" with a
// nil error; transport failures return the error.
func (p *OnePasswordProvider) Get(ctx context.Context, name string) (string, error) {
	p.mu.RLock()
	if val, ok := p.cache[name]; ok {
		p.mu.RUnlock()
		return val, nil
	}
	p.mu.RUnlock()

	items, err := p.client.GetItemsByTitle(name, p.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}

	item, err := p.client.GetItem(items[0].ID, p.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	val := secretField(item)
	if val == "" {
		return "", fmt.Errorf("item %q has no password or credential field", name)
	}

	p.mu.Lock()
	p.cache[name] = val
	p.mu.Unlock()

	p.logger.Debug("secret resolved from vault", "name", name)
	return val, nil
}

// secretField extracts the usable value from an item: the password field
// if present, otherwise the first concealed field.
func secretField(item *onepassword.Item) string {
	for _, f := range item.Fields {
		if string(f.Purpose) == "PASSWORD" {
			return f.Value
		}
	}
	for _, f := range item.Fields {
		if string(f.Type) == "CONCEALED" && f.Value != "" {
			return f.Value
		}
	}
	return ""
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
