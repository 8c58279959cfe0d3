package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mcpauth/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/mcpauth"
	configFileName = "config.yaml"
)

// GetDefaultConfigPath returns ~/.config/mcpauth.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadConfig reads config.yaml from configPath on top of the defaults. A
// missing file yields the defaults. Relative store paths are resolved
// against configPath and the result is validated.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Debug("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, NewConfigurationError(configFilePath, "io", err.Error())
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, NewConfigurationError(configFilePath, "parse", err.Error())
		}
		logging.Debug("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	if config.Store.Path != "" && !filepath.IsAbs(config.Store.Path) {
		config.Store.Path = filepath.Join(configPath, config.Store.Path)
	}

	if err := config.Validate(); err != nil {
		return Config{}, NewConfigurationError(configFilePath, "validation", err.Error())
	}
	return config, nil
}

// SaveConfig writes config to configPath/config.yaml, creating the directory.
func SaveConfig(configPath string, config Config) error {
	if err := os.MkdirAll(configPath, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(filepath.Join(configPath, configFileName), data, 0o600)
}
