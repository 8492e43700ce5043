package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"okufs/internal/ids"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage and config.yaml.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// AdvertiseAddress is the address published in tickets; defaults to QUICAddress.
	AdvertiseAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// Bootstrap are the DHT nodes records are published to and queried from.
	Bootstrap []ids.NodeAddr

	// RefreshInterval is the period of the read-only replica refresher.
	RefreshInterval time.Duration

	// LogLevel is the minimum log level.
	LogLevel string
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", "127.0.0.1:8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":4433", "QUIC P2P address")
	flag.StringVar(&cfg.AdvertiseAddress, "advertise", "", "Address published to peers (default: listen address)")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (default: <data>/node.key, generated if missing)")
	flag.DurationVar(&cfg.RefreshInterval, "refresh", 15*time.Minute, "Read-only replica refresh interval")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")

	var bootstrap string
	flag.StringVar(&bootstrap, "bootstrap", "", "Comma-separated DHT bootstrap nodes (id@host:port)")
	flag.Parse()

	if cfg.KeyPath == "" {
		cfg.KeyPath = filepath.Join(cfg.DataPath, "node.key")
	}

	for _, raw := range strings.Split(bootstrap, ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}

		addr, err := ids.ParseNodeAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("parse bootstrap node %q:\n%w", raw, err)
		}
		if addr.ID.IsZero() {
			return nil, fmt.Errorf("bootstrap node %q needs an id (id@host:port)", raw)
		}

		cfg.Bootstrap = append(cfg.Bootstrap, addr)
	}

	return cfg, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create key directory:\n%w", err)
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
