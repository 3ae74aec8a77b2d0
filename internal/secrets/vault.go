// Package secrets optionally sources operator secrets (admin API key,
// webhook credentials) from HashiCorp Vault instead of the environment.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"maya-licensing/config"
)

// OperatorSecrets are the secrets the server reads at startup.
type OperatorSecrets struct {
	AdminAPIKey  string `json:"admin_api_key"`
	WebhookURL   string `json:"webhook_url"`
	WebhookToken string `json:"webhook_token"`
}

// Client wraps the HashiCorp Vault client. With Vault disabled it is inert
// and the configuration values stand as-is.
type Client struct {
	client *api.Client
	config config.VaultConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	cached *OperatorSecrets
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig, logger zerolog.Logger) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg, logger: logger}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		logger: logger,
	}, nil
}

// IsEnabled reports whether Vault sourcing is active.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// LoadOperatorSecrets reads the operator secrets from the configured KV
// path. Results are cached for the process lifetime; secrets rotate with a
// restart.
func (c *Client) LoadOperatorSecrets(ctx context.Context) (*OperatorSecrets, error) {
	if !c.config.Enabled {
		return nil, fmt.Errorf("vault is not enabled")
	}

	c.mu.RLock()
	if c.cached != nil {
		cached := *c.cached
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.config.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret found at %s", c.config.SecretPath)
	}

	// KV v2 nests the payload under "data"
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	secrets := &OperatorSecrets{
		AdminAPIKey:  stringField(data, "admin_api_key"),
		WebhookURL:   stringField(data, "webhook_url"),
		WebhookToken: stringField(data, "webhook_token"),
	}

	c.mu.Lock()
	c.cached = secrets
	c.mu.Unlock()

	c.logger.Info().Str("path", c.config.SecretPath).Msg("operator secrets loaded from Vault")

	return secrets, nil
}

// Apply overlays Vault-sourced secrets onto the loaded configuration. Values
// absent from Vault keep their configured fallbacks.
func (c *Client) Apply(ctx context.Context, cfg *config.Config) error {
	if !c.config.Enabled {
		return nil
	}

	secrets, err := c.LoadOperatorSecrets(ctx)
	if err != nil {
		return err
	}

	if secrets.AdminAPIKey != "" {
		cfg.LicenseConfig.AdminAPIKey = secrets.AdminAPIKey
	}
	if secrets.WebhookURL != "" {
		cfg.NotificationConfig.Webhook.URL = secrets.WebhookURL
	}
	if secrets.WebhookToken != "" {
		cfg.NotificationConfig.Webhook.Token = secrets.WebhookToken
	}

	return nil
}

// Health checks Vault connectivity
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if !health.Initialized || health.Sealed {
		return fmt.Errorf("vault is not ready (initialized=%v, sealed=%v)", health.Initialized, health.Sealed)
	}
	return nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
