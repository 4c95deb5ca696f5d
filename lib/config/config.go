// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the room engine configuration. It covers exactly what the
// engine consumes from the embedding process: the default room
// version, backfill limits, the outbound request budget, cache
// capacities, and the store location. Listener addresses, TLS, and
// account settings belong to the embedding server, not here.
type Config struct {
	// Server identifies this homeserver on the federation.
	Server ServerConfig `yaml:"server"`

	// Database configures the SQLite PDU store.
	Database DatabaseConfig `yaml:"database"`

	// Rooms configures room-level defaults.
	Rooms RoomsConfig `yaml:"rooms"`

	// Federation configures the intake pipeline.
	Federation FederationConfig `yaml:"federation"`

	// Cache configures the derived PDU/state cache.
	Cache CacheConfig `yaml:"cache"`
}

// ServerConfig identifies this homeserver: the server name under
// which local users and events originate, and the ed25519 key that
// signs locally built events.
type ServerConfig struct {
	// Name is this server's federation name (e.g. "hearth.example").
	// Required.
	Name string `yaml:"name"`

	// SigningKeyPath is the file holding the unpadded base64 ed25519
	// seed. If the file does not exist the daemon generates a key and
	// writes it there. Required.
	SigningKeyPath string `yaml:"signing_key_path"`

	// KeyID is the version label under which the signing key is
	// published (the part after "ed25519:"). Default: "1".
	KeyID string `yaml:"key_id"`
}

// DatabaseConfig configures the SQLite PDU store.
type DatabaseConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string `yaml:"path"`

	// PoolSize is the number of pooled connections. Zero means the
	// sqlitepool default (max(NumCPU, 4)).
	PoolSize int `yaml:"pool_size"`
}

// RoomsConfig configures room-level defaults.
type RoomsConfig struct {
	// DefaultVersion is the room version used when creating rooms
	// locally. Default: "11".
	DefaultVersion string `yaml:"default_version"`
}

// FederationConfig configures the intake pipeline's backfill and
// concurrency limits. Every limit here bounds a resource an
// adversarial remote server could otherwise exhaust.
type FederationConfig struct {
	// BackfillDepth is the maximum number of generations of missing
	// ancestors fetched per backfill chain. Default: 100.
	BackfillDepth int `yaml:"backfill_depth"`

	// BackfillFanout is the maximum number of missing events fetched
	// in total per backfill chain, across all generations.
	// Default: 500.
	BackfillFanout int `yaml:"backfill_fanout"`

	// RequestBudget is the global cap on concurrent outbound fetches
	// across all rooms. Default: 16.
	RequestBudget int `yaml:"request_budget"`

	// RetryAttempts is the number of attempts per outbound fetch
	// before the branch is deferred. Default: 3.
	RetryAttempts int `yaml:"retry_attempts"`

	// RequestTimeout is the per-fetch timeout. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ChainDeadline is the overall deadline for one backfill chain.
	// Exceeding it abandons that branch without affecting other
	// rooms. Default: 2m.
	ChainDeadline time.Duration `yaml:"chain_deadline"`
}

// CacheConfig configures the derived PDU/state cache.
type CacheConfig struct {
	// Events is the capacity of the event-ID-to-PDU cache.
	// Default: 4096.
	Events int `yaml:"events"`

	// Snapshots is the capacity of the state-snapshot cache.
	// Default: 256.
	Snapshots int `yaml:"snapshots"`
}

// Default returns a Config with production defaults. The database
// path is the only field with no usable default.
func Default() Config {
	return Config{
		Server: ServerConfig{
			KeyID: "1",
		},
		Rooms: RoomsConfig{
			DefaultVersion: "11",
		},
		Federation: FederationConfig{
			BackfillDepth:  100,
			BackfillFanout: 500,
			RequestBudget:  16,
			RetryAttempts:  3,
			RequestTimeout: 10 * time.Second,
			ChainDeadline:  2 * time.Minute,
		},
		Cache: CacheConfig{
			Events:    4096,
			Snapshots: 256,
		},
	}
}

// LoadFile reads and validates the configuration from a single YAML
// file. Missing fields take their defaults; unknown fields are an
// error so typos surface at startup rather than as silently ignored
// limits.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if c.Server.SigningKeyPath == "" {
		return fmt.Errorf("server.signing_key_path is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Federation.BackfillDepth <= 0 {
		return fmt.Errorf("federation.backfill_depth must be positive")
	}
	if c.Federation.BackfillFanout <= 0 {
		return fmt.Errorf("federation.backfill_fanout must be positive")
	}
	if c.Federation.RequestBudget <= 0 {
		return fmt.Errorf("federation.request_budget must be positive")
	}
	if c.Cache.Events <= 0 || c.Cache.Snapshots <= 0 {
		return fmt.Errorf("cache capacities must be positive")
	}
	return nil
}
