// Package auth obtains OpenID client-credentials tokens and caches them until expiry.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultTTL is used when the token endpoint does not report an expiry
	DefaultTTL = time.Hour

	expiryMargin = 30 * time.Second
)

// Credentials is the content of a client secret file
type Credentials struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// Request identifies a token. Two requests with the same fields share a cache entry.
type Request struct {
	ClientID      string
	Scope         string
	SecretsFolder string
	OpenIDHost    string
	Realm         string
}

// SecretPath returns <secrets folder>/keycloak/<client id>.json
func (r Request) SecretPath() string {
	return filepath.Join(r.SecretsFolder, "keycloak", r.ClientID+".json")
}

// TokenURL returns the token endpoint of the realm
func (r Request) TokenURL() string {
	host := strings.TrimSuffix(r.OpenIDHost, "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return fmt.Sprintf("%s/auth/realms/%s/protocol/openid-connect/token", host, r.Realm)
}

type entry struct {
	token    string
	deadline time.Time
}

// TokenCache caches access tokens per Request
type TokenCache struct {
	mu      sync.Mutex
	entries map[Request]entry
	now     func() time.Time
	logger  *zap.Logger
}

// NewTokenCache creates an empty cache
func NewTokenCache(logger *zap.Logger) *TokenCache {
	return &TokenCache{
		entries: make(map[Request]entry),
		now:     time.Now,
		logger:  logger,
	}
}

// LoadCredentials reads a client secret file
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client secret: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse client secret %s: %w", path, err)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("client secret %s must define clientId and clientSecret", path)
	}
	return &creds, nil
}

// Token returns a cached token for req or fetches a new one
func (c *TokenCache) Token(ctx context.Context, req Request) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[req]; ok && c.now().Before(e.deadline) {
		c.mu.Unlock()
		return e.token, nil
	}
	c.mu.Unlock()

	creds, err := LoadCredentials(req.SecretPath())
	if err != nil {
		return "", err
	}

	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     req.TokenURL(),
	}
	if req.Scope != "" {
		cfg.Scopes = strings.Fields(req.Scope)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("can not authorize client %s (using secret %s): %w", req.ClientID, req.SecretPath(), err)
	}

	deadline := c.now().Add(DefaultTTL)
	if !tok.Expiry.IsZero() {
		deadline = tok.Expiry.Add(-expiryMargin)
	}

	c.mu.Lock()
	c.entries[req] = entry{token: tok.AccessToken, deadline: deadline}
	c.mu.Unlock()

	c.logger.Info("client credentials retrieved",
		zap.String("clientId", req.ClientID),
		zap.String("openIdHost", req.OpenIDHost),
		zap.String("scope", req.Scope),
		zap.Time("deadline", deadline))
	return tok.AccessToken, nil
}
