package config

import (
	"fmt"
	"os"
	"strings"
)

// SecretManager retrieves credentials that should not live in config.yaml
type SecretManager interface {
	GetSecret(key string) (string, error)
}

// EnvSecretManager reads CASTELLAN_<KEY>, or the file named by
// CASTELLAN_<KEY>_FILE for mounted secrets
type EnvSecretManager struct{}

func (e *EnvSecretManager) GetSecret(key string) (string, error) {
	envKey := "CASTELLAN_" + strings.ToUpper(key)
	if value := os.Getenv(envKey); value != "" {
		return value, nil
	}
	if path := os.Getenv(envKey + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file for %s: %w", envKey, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("environment variable %s not set", envKey)
}

// LoadSecrets fills credentials left empty by the config file
func LoadSecrets(config *Config) error {
	return loadSecretsFrom(&EnvSecretManager{}, config)
}

func loadSecretsFrom(sm SecretManager, config *Config) error {
	targets := []struct {
		key string
		dst *string
	}{
		{"REDIS_PASSWORD", &config.State.Redis.Password},
		{"NATS_TOKEN", &config.NATS.Token},
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		value, err := sm.GetSecret(t.key)
		if err != nil {
			// optional: unset means no credential
			if strings.Contains(err.Error(), "not set") {
				continue
			}
			return err
		}
		*t.dst = value
	}
	return nil
}
