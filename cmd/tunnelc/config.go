package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// fileConfig persists the handful of settings original_source/client.py
// kept in ~/.online-cli/config.yaml. In this client, environment values
// override defaults, non-empty file values override the environment, and
// flags override everything. The file is plain JSON via encoding/json rather than introducing a
// YAML dependency the rest of this module's stack never needed.
type fileConfig struct {
	ServerURL string `json:"server_url"`
	AuthToken string `json:"auth_token,omitempty"`
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tunnelc"), nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

func loadFileConfig() (*fileConfig, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileConfig{}, nil
		}
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

func saveFileConfig(fc *fileConfig) error {
	dir, err := configDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
