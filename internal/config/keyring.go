package config

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name in the OS keychain.
	keyringService = "GitPulse"

	keyringGitHubTokenItem = "github-token"
)

// tokenFromKeyring reads the GitHub token from the OS keychain. An
// unset token is not an error; an unavailable keychain is.
func tokenFromKeyring() (string, error) {
	token, err := keyring.Get(keyringService, keyringGitHubTokenItem)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read OS keychain: %w", err)
	}
	return token, nil
}

// SaveGitHubToken stores a GitHub token in the OS keychain so it stays
// out of .env files.
func SaveGitHubToken(token string) error {
	if token == "" {
		return fmt.Errorf("github token cannot be empty")
	}
	if err := keyring.Set(keyringService, keyringGitHubTokenItem, token); err != nil {
		return fmt.Errorf("save to OS keychain: %w", err)
	}
	return nil
}

// DeleteGitHubToken removes the stored token. Deleting an absent token
// is a no-op.
func DeleteGitHubToken() error {
	err := keyring.Delete(keyringService, keyringGitHubTokenItem)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete from OS keychain: %w", err)
	}
	return nil
}

// MaskToken shortens a token for display, keeping enough of each end to
// recognize it.
func MaskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) < 12 {
		return "***"
	}
	return fmt.Sprintf("%s...%s", token[:7], token[len(token)-4:])
}
