// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Hearthd owns the durable half of a Hearth deployment: it loads the
// engine configuration, opens the PDU store, and holds the server's
// signing key until shutdown. The engine itself is a library driven by
// the embedding server, which also owns the network listener and
// client API; hearthd deliberately constructs neither.
//
// On first start the signing key file is created with a freshly
// generated ed25519 key. Losing that file means other servers no
// longer accept this server's events, so it belongs in the same backup
// set as the database.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hearth-im/hearth/lib/config"
	"github.com/hearth-im/hearth/lib/ref"
	"github.com/hearth-im/hearth/lib/version"
	"github.com/hearth-im/hearth/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("hearthd", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "/etc/hearth/engine.yaml", "path to the engine configuration file")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("hearthd %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	serverName, err := ref.ParseServerName(cfg.Server.Name)
	if err != nil {
		return fmt.Errorf("server.name: %w", err)
	}
	signingKey, err := loadOrCreateSigningKey(cfg.Server.SigningKeyPath)
	if err != nil {
		return err
	}
	keyID := "ed25519:" + cfg.Server.KeyID

	s, err := store.Open(store.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	// Other servers look this key up to verify events; operators need
	// it at hand when registering the server.
	publicKey := base64.RawStdEncoding.EncodeToString(signingKey.Public().(ed25519.PublicKey))

	logger.Info("hearthd ready",
		"version", version.Info(),
		"server_name", serverName,
		"key_id", keyID,
		"public_key", publicKey,
		"database", cfg.Database.Path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	return nil
}

// loadOrCreateSigningKey reads the ed25519 seed (unpadded base64) from
// path, generating and persisting a fresh key when the file does not
// exist.
func loadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return createSigningKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}
	seed, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding signing key %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func createSigningKey(path string) (ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	encoded := base64.RawStdEncoding.EncodeToString(seed) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
