package vnish

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/powerhive/minerctl/pkg/miner"
)

const (
	// APIKeyLength is the required length for API keys.
	APIKeyLength = 32

	apiKeyDescription = "minerctl"
)

// GenerateAPIKey generates a new 32-character API key.
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, APIKeyLength/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ValidateAPIKey checks if an API key has the correct format.
func ValidateAPIKey(key string) bool {
	return len(key) == APIKeyLength
}

func (c *Client) unlock(ctx context.Context) (string, error) {
	c.mu.Lock()
	password := c.password
	c.mu.Unlock()
	if password == "" {
		return "", fmt.Errorf("%w: no password", miner.ErrUnauthorized)
	}

	var result UnlockResponse
	err := c.request(ctx, requestOptions{
		method:   http.MethodPost,
		endpoint: "/unlock",
		body:     &UnlockRequest{Password: password},
		result:   &result,
	})
	if err != nil {
		return "", fmt.Errorf("unlock failed: %w", err)
	}
	return result.Token, nil
}

// EnsureAPIKey returns the API key registered by this client, creating and
// registering one if necessary.
func (c *Client) EnsureAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()

	if c.apiKey != "" {
		return c.apiKey, nil
	}

	key, err := GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	if err := c.AddAPIKey(ctx, key, apiKeyDescription); err != nil {
		return "", fmt.Errorf("failed to register API key: %w", err)
	}

	c.apiKey = key
	c.logger.Debug("registered api key")
	return key, nil
}

func (c *Client) clearAPIKey() {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	c.apiKey = ""
}

// AddAPIKey registers key with the miner.
func (c *Client) AddAPIKey(ctx context.Context, key, description string) error {
	return c.request(ctx, requestOptions{
		method:       http.MethodPost,
		endpoint:     "/apikeys",
		body:         &APIKeyRequest{Key: key, Description: description},
		requiresAuth: true,
	})
}
