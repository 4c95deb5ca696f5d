// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfig writes a YAML config file into a temp dir and returns
// its path.
func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// minimalServer is the smallest valid server section, for tests
// exercising other parts of the file.
const minimalServer = `
server:
  name: hearth.example
  signing_key_path: /var/hearth/signing.key
`

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalServer+"database:\n  path: /var/hearth/rooms.db\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.KeyID != "1" {
		t.Errorf("Server.KeyID = %q, want %q", cfg.Server.KeyID, "1")
	}
	if cfg.Rooms.DefaultVersion != "11" {
		t.Errorf("DefaultVersion = %q, want %q", cfg.Rooms.DefaultVersion, "11")
	}
	if cfg.Federation.BackfillDepth != 100 {
		t.Errorf("BackfillDepth = %d, want 100", cfg.Federation.BackfillDepth)
	}
	if cfg.Federation.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.Federation.RequestTimeout)
	}
	if cfg.Cache.Events != 4096 {
		t.Errorf("Cache.Events = %d, want 4096", cfg.Cache.Events)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, minimalServer+`
database:
  path: /var/hearth/rooms.db
  pool_size: 8
federation:
  backfill_depth: 10
  request_budget: 4
cache:
  events: 128
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Database.PoolSize != 8 {
		t.Errorf("PoolSize = %d, want 8", cfg.Database.PoolSize)
	}
	if cfg.Federation.BackfillDepth != 10 {
		t.Errorf("BackfillDepth = %d, want 10", cfg.Federation.BackfillDepth)
	}
	if cfg.Federation.RequestBudget != 4 {
		t.Errorf("RequestBudget = %d, want 4", cfg.Federation.RequestBudget)
	}
	// Unset fields keep their defaults.
	if cfg.Federation.BackfillFanout != 500 {
		t.Errorf("BackfillFanout = %d, want default 500", cfg.Federation.BackfillFanout)
	}
	if cfg.Cache.Snapshots != 256 {
		t.Errorf("Cache.Snapshots = %d, want default 256", cfg.Cache.Snapshots)
	}
}

func TestLoadFileRequiresDatabasePath(t *testing.T) {
	path := writeConfig(t, minimalServer+"rooms:\n  default_version: \"10\"\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile without database.path succeeded, want error")
	}
}

func TestLoadFileRequiresServerName(t *testing.T) {
	path := writeConfig(t, "database:\n  path: /var/hearth/rooms.db\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile without server.name succeeded, want error")
	}
}

func TestLoadFileRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, minimalServer+`
database:
  path: /var/hearth/rooms.db
federation:
  backfil_depth: 10
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile with misspelled field succeeded, want error")
	}
}

func TestLoadFileMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadFile on missing file succeeded, want error")
	}
}
