// Command relay runs an okufs relay: nodes behind NAT bridge to it and it
// forwards ticket requests to them.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"okufs/internal/logger"
	"okufs/internal/metrics"
	"okufs/internal/network"
	"okufs/internal/relay"
)

// Config holds the relay configuration.
type Config struct {
	QUICAddress     string        // QUICAddress is the QUIC listen address
	HTTPAddress     string        // HTTPAddress serves /metrics; empty disables it
	KeyPath         string        // KeyPath is the Ed25519 key file, generated if missing
	RefreshInterval time.Duration // RefreshInterval is how often bridges resend inventories
	LogLevel        string        // LogLevel is the minimum log level
}

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.QUICAddress, "quic", ":4434", "QUIC listen address")
	flag.StringVar(&cfg.HTTPAddress, "http", "", "Metrics HTTP address (disabled when empty)")
	flag.StringVar(&cfg.KeyPath, "key", "./relay.key", "Ed25519 private key path (generated if missing)")
	flag.DurationVar(&cfg.RefreshInterval, "refresh", relay.DefaultRefreshInterval, "Inventory refresh interval")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	flag.Parse()

	return cfg
}

func run() error {
	cfg := parseFlags()

	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)

	key, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := network.NewNode(network.Config{PrivateKey: key, ListenAddr: cfg.QUICAddress})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}
	defer node.Close()

	srv := relay.NewServer(relay.ServerConfig{Network: node, RefreshInterval: cfg.RefreshInterval})

	if err := node.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	srv.Start()
	defer srv.Stop()

	logger.Info("relay started", "addr", node.Addr().String(), "refresh", cfg.RefreshInterval)

	if cfg.HTTPAddress != "" {
		httpSrv := serveMetrics(cfg.HTTPAddress)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String(), "sessions", srv.Sessions())

	return nil
}

// serveMetrics exposes the Prometheus registry on addr.
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return srv
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key:\n%w", err)
		}

		if err := os.WriteFile(path, priv, 0600); err != nil {
			return nil, fmt.Errorf("save key to %s:\n%w", path, err)
		}

		return priv, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}
