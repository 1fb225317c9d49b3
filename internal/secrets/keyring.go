// Package secrets resolves API keys from configuration, the environment or
// the OS keychain.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService groups the crawler's secrets in the OS keychain.
const KeyringService = "agenda-crawler"

// ErrNotFound is returned when no source holds the key.
var ErrNotFound = errors.New("secret not found")

// Account returns the keychain account name for an LLM provider.
func Account(provider string) string {
	return "llm:" + strings.ToLower(strings.TrimSpace(provider))
}

// Resolve returns the first non-empty value of configured, the environment
// variable envVar and the keychain entry for account.
func Resolve(configured, envVar, account string) (string, error) {
	if v := strings.TrimSpace(configured); v != "" {
		return v, nil
	}
	if envVar != "" {
		if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
			return v, nil
		}
	}
	if strings.TrimSpace(account) != "" {
		v, err := keyring.Get(KeyringService, account)
		if err == nil && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, account)
}

// Set stores a secret in the keychain.
func Set(account, value string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	if strings.TrimSpace(value) == "" {
		return errors.New("secret is empty")
	}
	if err := keyring.Set(KeyringService, account, value); err != nil {
		return fmt.Errorf("store %s in keyring: %w", account, err)
	}
	return nil
}

// Delete removes a secret from the keychain.
func Delete(account string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	if err := keyring.Delete(KeyringService, account); err != nil {
		return fmt.Errorf("delete %s from keyring: %w", account, err)
	}
	return nil
}
