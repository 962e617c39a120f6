// Package vault loads exchange credentials from HashiCorp Vault as an
// alternative to environment variables.
package vault

import (
	"context"
	"fmt"
	"sync"

	"bybit-pullback-bot/config"

	"github.com/hashicorp/vault/api"
)

// Credentials holds an API key pair stored in Vault.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client for KV v2 credential reads.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a new Vault client.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// GetCredentials reads the API key pair for the given environment.
func (c *Client) GetCredentials(ctx context.Context, isTestnet bool) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil && c.cached.IsTestnet == isTestnet {
		creds := c.cached
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	path := c.secretPath(isTestnet)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "api_secret"),
		IsTestnet: isTestnet,
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("incomplete credentials at %s", path)
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()

	return creds, nil
}

// StoreCredentials writes an API key pair for the given environment.
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	path := c.secretPath(creds.IsTestnet)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"api_secret": creds.APISecret,
			"is_testnet": creds.IsTestnet,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()
	return nil
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 data path for an environment.
func (c *Client) secretPath(isTestnet bool) string {
	network := "mainnet"
	if isTestnet {
		network = "testnet"
	}
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, network)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
