package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"okufs/internal/api"
	"okufs/internal/blobs"
	"okufs/internal/config"
	"okufs/internal/discovery"
	"okufs/internal/docs"
	"okufs/internal/logger"
	"okufs/internal/network"
	"okufs/internal/relay"
	"okufs/internal/replica"
	"okufs/internal/storage"
	okusync "okufs/internal/sync"
	"okufs/internal/watch"
)

// Node represents a running okufs node.
type Node struct {
	cfg       *Config
	settings  config.Config
	storage   *storage.Storage
	network   *network.Node
	blobs     *blobs.Store
	docs      *docs.Engine
	notifier  *watch.Notifier
	replicas  *replica.Store
	discovery *discovery.Service
	sync      *okusync.Engine
	refresher *okusync.Refresher
	api       *api.Server

	cancel context.CancelFunc // cancel stops the background loops
	wg     sync.WaitGroup     // wg tracks the background loops
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	steps := []func() error{
		n.initStorage,
		n.initSettings,
		n.initNetwork,
		n.initReplicas,
		n.initDiscovery,
		n.initSync,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			n.Close()
			return nil, err
		}
	}

	return n, nil
}

// Run starts the network, the background loops and the HTTP API, then
// blocks until shutdown.
func (n *Node) Run() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	logger.Info("network started", "addr", n.network.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.discovery.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.discovery.AnnounceOnChange(ctx, n.notifier)
	}()

	if n.settings.RelayAddress != "" {
		n.wg.Add(1)
		go n.runBridge(ctx)
	}

	n.refresher.Start()

	n.api = api.New(n.cfg.HTTPAddress, n.replicas, n.sync)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// runBridge keeps one relay session open. The bridge does not reconnect:
// a lost relay is logged and the node continues without it.
func (n *Node) runBridge(ctx context.Context) {
	defer n.wg.Done()

	bridge := relay.NewBridge(n.network, n.replicas, n.settings.RelayAddress)

	err := bridge.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("relay bridge stopped", "relay", n.settings.RelayAddress, "error", err)
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
		n.refresher.Stop()
	}

	if n.docs != nil {
		n.docs.Close()
	}

	if n.blobs != nil {
		n.blobs.Close()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
