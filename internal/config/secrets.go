package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "searchpulse", "secrets.json")
}

// fileSecrets reads secrets from a flat JSON object keyed like config keys,
// e.g. {"server.token": "..."}.
type fileSecrets struct {
	path string
}

func (f fileSecrets) Get(account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[account]
	if !ok {
		return "", fmt.Errorf("secret %q not found", account)
	}
	return v, nil
}

func (f fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("secrets not available: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

// Set writes one secret, keeping the others.
func (f fileSecrets) Set(account, value string) error {
	secrets, err := f.read()
	if err != nil {
		secrets = nil
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}
