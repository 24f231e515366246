package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials authenticate the worker to the coordinator.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadCredentials resolves coordinator credentials. If path is non-empty it
// must name a YAML file readable only by the owner; otherwise the
// CLWORKER_USERNAME / CLWORKER_PASSWORD environment variables are used.
// Anonymous access (no credentials anywhere) is allowed and returns zero
// Credentials.
func LoadCredentials(path string) (Credentials, error) {
	if path == "" {
		return Credentials{
			Username: os.Getenv(envPrefix + "_USERNAME"),
			Password: os.Getenv(envPrefix + "_PASSWORD"),
		}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("credentials file: %w", err)
	}
	// Group/other access would leak the password to co-tenants.
	if info.Mode().Perm()&0o077 != 0 {
		return Credentials{}, fmt.Errorf(
			"permissions on credentials file %s are too lax; run: chmod 600 %s", path, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials file %s: %w", path, err)
	}
	if creds.Username == "" {
		return Credentials{}, fmt.Errorf("credentials file %s is missing username", path)
	}
	return creds, nil
}
