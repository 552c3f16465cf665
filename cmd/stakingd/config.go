// config.go - Configuration management for the staking daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the daemon configuration
type Config struct {
	// Service settings
	ListenAddr   string `json:"listen_addr"`
	VaultAccount string `json:"vault_account"`

	// File paths
	KeyDir   string `json:"key_dir"`
	StateDir string `json:"state_dir"`

	// Encryption parameter profile: "default" or the insecure "test"
	BGVProfile string `json:"bgv_profile"`

	// Logging
	LogLevel     string `json:"log_level"`
	LogFile      string `json:"log_file"`
	AuditLogPath string `json:"audit_log_path"`

	// Performance
	TimeoutSeconds      int `json:"timeout_seconds"`
	SnapshotEverySec    int `json:"snapshot_every_seconds"`
	RateLimitTokens     int `json:"rate_limit_tokens"`
	RateLimitRefill     int `json:"rate_limit_refill"`
	RateLimitPeriodSec  int `json:"rate_limit_period_seconds"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         ":8478",
		VaultAccount:       "vault",
		KeyDir:             "keys",
		StateDir:           "state",
		BGVProfile:         "default",
		LogLevel:           "info",
		LogFile:            "stakingd.log",
		AuditLogPath:       "audit.log",
		TimeoutSeconds:     30,
		SnapshotEverySec:   60,
		RateLimitTokens:    20,
		RateLimitRefill:    5,
		RateLimitPeriodSec: 1,
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		var config Config
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return &config, nil
	}

	// Create default config and save it
	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must be set")
	}
	if c.VaultAccount == "" {
		return fmt.Errorf("vault_account must be set")
	}
	if c.BGVProfile != "default" && c.BGVProfile != "test" {
		return fmt.Errorf("bgv_profile must be \"default\" or \"test\"")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if c.SnapshotEverySec <= 0 {
		return fmt.Errorf("snapshot_every_seconds must be positive")
	}
	if c.RateLimitTokens <= 0 {
		return fmt.Errorf("rate_limit_tokens must be positive")
	}
	if c.RateLimitRefill <= 0 {
		return fmt.Errorf("rate_limit_refill must be positive")
	}
	if c.RateLimitPeriodSec <= 0 {
		return fmt.Errorf("rate_limit_period_seconds must be positive")
	}
	return nil
}
