package main

import (
	"fmt"
	"os"
	"path/filepath"

	"okufs/internal/blobs"
	"okufs/internal/config"
	"okufs/internal/dht"
	"okufs/internal/discovery"
	"okufs/internal/docs"
	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/network"
	"okufs/internal/replica"
	"okufs/internal/storage"
	okusync "okufs/internal/sync"
	"okufs/internal/watch"
)

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initSettings loads config.yaml, writing the default on first start.
func (n *Node) initSettings() error {
	settings, err := config.LoadOrCreate(n.cfg.DataPath)
	if err != nil {
		return fmt.Errorf("load settings:\n%w", err)
	}

	n.settings = settings

	return nil
}

// initNetwork initializes the P2P network node.
func (n *Node) initNetwork() error {
	netCfg := network.Config{
		PrivateKey:    n.cfg.PrivateKey,
		ListenAddr:    n.cfg.QUICAddress,
		AdvertiseAddr: n.cfg.AdvertiseAddress,
	}

	node, err := network.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initReplicas initializes the blob store, the document engine and the
// replica store on top of them.
func (n *Node) initReplicas() error {
	bs, err := blobs.New(n.storage, n.network)
	if err != nil {
		return fmt.Errorf("init blobs:\n%w", err)
	}
	n.blobs = bs

	engine, err := docs.NewEngine(docs.Config{
		DB:    n.storage,
		Blobs: bs,
		Node:  n.network,
	})
	if err != nil {
		return fmt.Errorf("init document engine:\n%w", err)
	}
	n.docs = engine

	n.notifier = watch.New()
	n.replicas = replica.New(engine, bs, n.notifier)

	return nil
}

// initDiscovery initializes the DHT client and the discovery service.
func (n *Node) initDiscovery() error {
	d, err := dht.New(dht.Config{
		Network:   n.network,
		Bootstrap: n.cfg.Bootstrap,
	})
	if err != nil {
		return fmt.Errorf("init dht:\n%w", err)
	}

	cfg := discovery.Config{
		Network:  n.network,
		DHT:      d,
		Replicas: n.replicas,
		Blobs:    n.blobs,
	}

	if n.settings.RelayAddress != "" {
		relay, err := ids.ParseNodeAddr(n.settings.RelayAddress)
		if err != nil {
			return fmt.Errorf("parse relay address:\n%w", err)
		}
		cfg.Relay = &relay
	}

	svc, err := discovery.New(cfg)
	if err != nil {
		return fmt.Errorf("init discovery:\n%w", err)
	}

	n.discovery = svc

	return nil
}

// initSync initializes the sync engine and the refresher.
func (n *Node) initSync() error {
	engine, err := okusync.New(okusync.Config{
		Replicas: n.replicas,
		Resolver: n.discovery,
	})
	if err != nil {
		return fmt.Errorf("init sync:\n%w", err)
	}

	n.sync = engine
	n.refresher = okusync.NewRefresher(engine, n.cfg.RefreshInterval, nil)

	logger.Debug("sync engine ready", "refresh", n.cfg.RefreshInterval)

	return nil
}
