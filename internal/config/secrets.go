package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const secretService = "runeforge"

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "runeforge", "secrets.json")
}

// secretStore reads and writes the 0600 secrets file.
type secretStore struct {
	path string
}

func (s secretStore) file() string {
	if s.path != "" {
		return s.path
	}
	return secretsFilePath()
}

func (s secretStore) Get(service, account string) (string, error) {
	data, err := os.ReadFile(s.file())
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (s secretStore) Set(service, account, value string) error {
	p := s.file()

	var secrets map[string]map[string]string

	data, err := os.ReadFile(p)
	if err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}

// SetSecret stores a secret such as synth_api_key in the secrets file.
func SetSecret(account, value string) error {
	return secretStore{}.Set(secretService, account, value)
}

// GetAPIToken returns the bearer token guarding the HTTP API. RUNEFORGE_API_TOKEN
// wins; otherwise the token in the secrets file is used, generating and
// persisting a new one on first use.
func GetAPIToken() (string, error) {
	return apiToken(secretStore{})
}

func apiToken(s secretStore) (string, error) {
	if tok := os.Getenv("RUNEFORGE_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := s.Get(secretService, "api_token"); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := s.Set(secretService, "api_token", tok); err != nil {
		return "", fmt.Errorf("saving API token: %w", err)
	}
	return tok, nil
}
