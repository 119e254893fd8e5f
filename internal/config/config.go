// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OAuthConfig holds the Gmail OAuth application credentials. Per-mailbox
// refresh tokens live encrypted in the database, not here.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
}

// Config holds all configuration for the reconciliation service.
type Config struct {
	OAuth OAuthConfig

	// Gmail API
	GmailBaseURL string

	// Credential encryption. Keys maps version -> 32-byte AES key.
	EncryptionKeys       map[int][]byte
	EncryptionKeyVersion int

	// Scheduler policy
	PollInterval     time.Duration
	RunTimeout       time.Duration
	BatchSize        int
	PageSize         int
	FetchConcurrency int
	MaxErrorCount    int

	// Matching
	AmountTolerance int64

	// Circuit breaker
	BreakerThreshold int
	BreakerRecovery  time.Duration

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL string

	// Server (health check, metrics, manual runs)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	OAuth struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		TokenURL     string `yaml:"token_url"`
	} `yaml:"oauth"`
	Gmail struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"gmail"`
	Encryption struct {
		CurrentVersion int            `yaml:"current_version"`
		Keys           map[int]string `yaml:"keys"` // version -> hex-encoded 32-byte key
	} `yaml:"encryption"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		OAuth: OAuthConfig{
			ClientID:     firstNonEmpty(raw.OAuth.ClientID, os.Getenv("GMAIL_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.OAuth.ClientSecret, os.Getenv("GMAIL_CLIENT_SECRET")),
			TokenURL:     firstNonEmpty(raw.OAuth.TokenURL, envOrDefault("GMAIL_TOKEN_URL", "https://oauth2.googleapis.com/token")),
		},
		GmailBaseURL:     firstNonEmpty(raw.Gmail.BaseURL, envOrDefault("GMAIL_BASE_URL", "https://gmail.googleapis.com")),
		PollInterval:     envOrDefaultDuration("POLL_INTERVAL", 5*time.Minute),
		RunTimeout:       envOrDefaultDuration("RUN_TIMEOUT", 4*time.Minute),
		BatchSize:        envOrDefaultInt("POLL_BATCH_SIZE", 10),
		PageSize:         envOrDefaultInt("POLL_PAGE_SIZE", 50),
		FetchConcurrency: envOrDefaultInt("FETCH_CONCURRENCY", 4),
		MaxErrorCount:    envOrDefaultInt("MAX_ERROR_COUNT", 5),
		AmountTolerance:  int64(envOrDefaultInt("AMOUNT_TOLERANCE", 100)),
		BreakerThreshold: envOrDefaultInt("BREAKER_THRESHOLD", 3),
		BreakerRecovery:  envOrDefaultDuration("BREAKER_RECOVERY", 15*time.Minute),
		DatabaseURL:      firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/reconciler")),
		RedisURL:         firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		Port:             envOrDefaultInt("PORT", 8080),
	}

	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("gmail oauth client credentials missing — check config.yaml and environment variables")
	}

	keys, version, err := loadEncryptionKeys(raw)
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKeys = keys
	cfg.EncryptionKeyVersion = version

	return cfg, nil
}

// loadEncryptionKeys decodes the configured key ring. When the YAML carries
// no keys, a single version-1 key is taken from ENCRYPTION_KEY.
func loadEncryptionKeys(raw rawConfig) (map[int][]byte, int, error) {
	hexKeys := raw.Encryption.Keys
	version := raw.Encryption.CurrentVersion

	if len(hexKeys) == 0 {
		envKey := os.Getenv("ENCRYPTION_KEY")
		if envKey == "" {
			return nil, 0, fmt.Errorf("no encryption keys configured — set encryption.keys or ENCRYPTION_KEY")
		}
		hexKeys = map[int]string{1: envKey}
		version = 1
	}

	keys := make(map[int][]byte, len(hexKeys))
	for v, h := range hexKeys {
		key, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil {
			return nil, 0, fmt.Errorf("decode encryption key version %d: %w", v, err)
		}
		if len(key) != 32 {
			return nil, 0, fmt.Errorf("encryption key version %d: got %d bytes, want 32", v, len(key))
		}
		keys[v] = key
	}

	if version == 0 {
		// Default to the highest configured version.
		for v := range keys {
			if v > version {
				version = v
			}
		}
	}
	if _, ok := keys[version]; !ok {
		return nil, 0, fmt.Errorf("current encryption key version %d not present in key ring", version)
	}

	return keys, version, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
