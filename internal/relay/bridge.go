// Package relay lets nodes that cannot accept connections stay reachable.
// A bridged node keeps one long-lived stream open to a relay and reports the
// replicas it holds; the relay forwards ticket requests for those replicas
// back over the bridged connection.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"okufs/internal/discovery"
	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/network"
	"okufs/internal/replica"
)

// Bridge is the client side of a relay session.
type Bridge struct {
	net      *network.Node  // net dials the relay
	replicas *replica.Store // replicas is reported to the relay
	addr     string         // addr is the relay's host:port
}

// NewBridge returns a bridge to the relay at addr.
func NewBridge(net *network.Node, replicas *replica.Store, addr string) *Bridge {
	return &Bridge{net: net, replicas: replicas, addr: addr}
}

// Run connects to the relay, sends the held replica list and resends it on
// every refresh signal. It returns when the connection is lost or ctx is done.
// It does not reconnect.
func (b *Bridge) Run(ctx context.Context) error {
	peer, err := b.net.Connect(ctx, b.addr)
	if err != nil {
		return fmt.Errorf("connect to relay:\n%w", err)
	}

	s, err := peer.Open(ctx, discovery.RelayInitTag)
	if err != nil {
		return fmt.Errorf("open relay session:\n%w", err)
	}
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if err := b.sendInventory(s); err != nil {
		return err
	}

	logger.Info("relay session started", "relay", b.addr, "relay_id", peer.ID().FmtShort())

	for {
		line, err := s.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay connection lost:\n%w", err)
		}

		if line != discovery.RelayRefreshTag {
			logger.Debug("ignoring relay message", "line", line)
			continue
		}

		if err := b.sendInventory(s); err != nil {
			return err
		}
	}
}

// sendInventory writes the held namespace ids as one JSON line.
func (b *Bridge) sendInventory(s *network.Stream) error {
	infos, err := b.replicas.List()
	if err != nil {
		return fmt.Errorf("list replicas:\n%w", err)
	}

	held := make([]ids.NamespaceID, 0, len(infos))
	for _, info := range infos {
		held = append(held, info.ID)
	}

	data, err := json.Marshal(held)
	if err != nil {
		return err
	}

	if err := s.WriteLine(string(data)); err != nil {
		return fmt.Errorf("send replica list:\n%w", err)
	}

	return nil
}
