package provider

import (
	"fmt"
	"os"
	"sync"
)

// EnvCredentials resolves API keys from environment variables, one variable
// per provider, and caches the lookup.
type EnvCredentials struct {
	// Provider name -> environment variable name.
	vars map[string]string

	mu     sync.Mutex
	cached map[string]string
}

func NewEnvCredentials(vars map[string]string) *EnvCredentials {
	return &EnvCredentials{
		vars:   vars,
		cached: make(map[string]string),
	}
}

func (c *EnvCredentials) APIKey(provider string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.cached[provider]; ok {
		return key, nil
	}

	envVar, ok := c.vars[provider]
	if !ok {
		return "", fmt.Errorf("no credential source configured for provider %q", provider)
	}
	key, ok := os.LookupEnv(envVar)
	if !ok || key == "" {
		return "", fmt.Errorf("credential variable %s for provider %q is not set", envVar, provider)
	}

	c.cached[provider] = key
	return key, nil
}

// StaticCredentials serves fixed keys, mainly for tests.
type StaticCredentials map[string]string

func (c StaticCredentials) APIKey(provider string) (string, error) {
	key, ok := c[provider]
	if !ok {
		return "", fmt.Errorf("no credential for provider %q", provider)
	}
	return key, nil
}
