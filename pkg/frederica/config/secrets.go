// Package config – secrets.go provides credential storage via the operating
// system's native keyring (Linux: Secret Service, macOS: Keychain, Windows:
// Credential Manager).
//
// Priority for resolving secrets:
//  1. Environment variable (FREDERICA_*, loaded from .env by godotenv)
//  2. OS keyring (encrypted by the OS, requires user session)
//  3. config.yaml value (least secure, plaintext on disk)
package config

import (
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "frederica"

	// Keyring key names.
	KeyLLMAPIKey      = "llm_api_key"
	KeyCorpSecret     = "wecom_corp_secret"
	KeyCallbackToken  = "wecom_token"
	KeyEncodingAESKey = "wecom_encoding_aes_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns empty string if
// not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__frederica_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ReadSecretPrompt reads a secret from the terminal without echo.
func ReadSecretPrompt(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(raw), nil
}

// resolveSecrets fills in empty config secrets from the environment, then
// from the OS keyring. Values already present in the config are kept.
func resolveSecrets(cfg *Config) {
	cfg.LLM.APIKey = resolveSecret(cfg.LLM.APIKey,
		[]string{"FREDERICA_LLM_API_KEY", "OPENAI_API_KEY"}, KeyLLMAPIKey)
	cfg.WeCom.CorpSecret = resolveSecret(cfg.WeCom.CorpSecret,
		[]string{"FREDERICA_CORP_SECRET", "WECOM_CORP_SECRET"}, KeyCorpSecret)
	cfg.WeCom.Token = resolveSecret(cfg.WeCom.Token,
		[]string{"FREDERICA_WECOM_TOKEN", "WECOM_TOKEN"}, KeyCallbackToken)
	cfg.WeCom.EncodingAESKey = resolveSecret(cfg.WeCom.EncodingAESKey,
		[]string{"FREDERICA_ENCODING_AES_KEY", "WECOM_ENCODING_AES_KEY"}, KeyEncodingAESKey)

	if cfg.WeCom.CorpID == "" {
		if v := os.Getenv("WECOM_CORP_ID"); v != "" {
			cfg.WeCom.CorpID = v
		}
	}
}

func resolveSecret(current string, envVars []string, keyringKey string) string {
	if current != "" {
		return current
	}
	for _, name := range envVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return GetKeyring(keyringKey)
}
