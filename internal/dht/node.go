package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/network"
)

// ProtocolTag routes DHT request streams.
const ProtocolTag = "okufs/dht/0"

const (
	// DefaultTTL is how long records and announcements are kept.
	DefaultTTL = 2 * time.Hour

	// defaultStoreSize bounds each local store.
	defaultStoreSize = 16384

	// queryParallelism bounds concurrent bootstrap queries.
	queryParallelism = 8

	// queryTimeout bounds one query to one bootstrap node.
	queryTimeout = 10 * time.Second
)

// Request operations.
const (
	opGetMutable   = "get_mutable"
	opPutMutable   = "put_mutable"
	opGetPeers     = "get_peers"
	opAnnouncePeer = "announce_peer"
)

// request is the JSON body of a DHT stream.
type request struct {
	Op     string         `json:"op"`
	Key    ids.Hash       `json:"key"`
	Record *MutableRecord `json:"record,omitempty"`
	Addrs  []string       `json:"addrs,omitempty"`
}

// response is the JSON reply of a DHT stream.
type response struct {
	Records []MutableRecord `json:"records,omitempty"`
	Peers   []ids.NodeAddr  `json:"peers,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Config holds the configuration for a Node.
type Config struct {
	Network   *network.Node  // Network carries queries and serves the local store
	Bootstrap []ids.NodeAddr // Bootstrap are the nodes published to and queried
	TTL       time.Duration  // TTL is the record lifetime; defaults to DefaultTTL
	StoreSize int            // StoreSize bounds each local store
	Clock     clock.Clock    // Clock issues record sequence numbers
}

// Node is a DHT participant: it serves its store and queries bootstrap nodes.
type Node struct {
	net       *network.Node  // net is the transport
	bootstrap []ids.NodeAddr // bootstrap are the remote stores
	store     *store         // store holds local records
	clock     clock.Clock    // clock issues sequence numbers

	seqMu   sync.Mutex // seqMu guards lastSeq
	lastSeq uint64     // lastSeq is the last issued sequence number
}

var _ Client = (*Node)(nil)

// New creates a DHT node and registers its handler on the network.
func New(cfg Config) (*Node, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("network is required")
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	size := cfg.StoreSize
	if size == 0 {
		size = defaultStoreSize
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	n := &Node{
		net:       cfg.Network,
		bootstrap: ids.Without(cfg.Bootstrap, cfg.Network.ID()),
		store:     newStore(size, ttl),
		clock:     clk,
	}

	n.net.Handle(ProtocolTag, n.serve)

	return n, nil
}

// PutMutable signs value, stores it locally and publishes it to every
// bootstrap node. It fails only when bootstrap nodes exist and none accepted it.
func (n *Node) PutMutable(ctx context.Context, target ids.Hash, value []byte) error {
	r := signRecord(n.net.PrivateKey(), target, n.nextSeq(), value)
	n.store.putRecord(r)

	_, err := n.fanOut(ctx, request{Op: opPutMutable, Key: target, Record: &r})
	if err != nil {
		return fmt.Errorf("put record %s:\n%w", target.FmtShort(), err)
	}

	return nil
}

// GetMutable returns the newest record of each publisher under target,
// merging the local store with every bootstrap node's answer. Records that
// fail verification are dropped.
func (n *Node) GetMutable(ctx context.Context, target ids.Hash) ([]MutableRecord, error) {
	records := n.store.getRecords(target)

	responses, err := n.fanOut(ctx, request{Op: opGetMutable, Key: target})

	for _, resp := range responses {
		for _, r := range resp.Records {
			if r.Target != target || r.Verify() != nil {
				continue
			}

			records = append(records, r)
		}
	}

	if len(records) == 0 && err != nil {
		return nil, fmt.Errorf("get record %s:\n%w", target.FmtShort(), err)
	}

	return mergeRecords(records), nil
}

// GetPeers returns every node announced under infohash.
func (n *Node) GetPeers(ctx context.Context, infohash ids.Hash) ([]ids.NodeAddr, error) {
	peers := n.store.getPeers(infohash)

	responses, err := n.fanOut(ctx, request{Op: opGetPeers, Key: infohash})

	for _, resp := range responses {
		peers = append(peers, resp.Peers...)
	}

	if len(peers) == 0 && err != nil {
		return nil, fmt.Errorf("get peers %s:\n%w", infohash.FmtShort(), err)
	}

	return ids.SortAddrs(peers), nil
}

// AnnouncePeer records this node under infohash locally and on every
// bootstrap node.
func (n *Node) AnnouncePeer(ctx context.Context, infohash ids.Hash) error {
	self := n.net.Addr()
	n.store.addPeer(infohash, self)

	_, err := n.fanOut(ctx, request{Op: opAnnouncePeer, Key: infohash, Addrs: self.Addrs})
	if err != nil {
		return fmt.Errorf("announce %s:\n%w", infohash.FmtShort(), err)
	}

	return nil
}

// fanOut sends req to every bootstrap node concurrently. It returns the
// successful responses, and an error only when every node failed.
func (n *Node) fanOut(ctx context.Context, req request) ([]response, error) {
	if len(n.bootstrap) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		responses []response
		errs      error
	)

	g := new(errgroup.Group)
	g.SetLimit(queryParallelism)

	for _, peer := range n.bootstrap {
		g.Go(func() error {
			resp, err := n.query(ctx, peer, body)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				logger.Debug("dht query failed", "op", req.Op, "peer", peer.ID.FmtShort(), "error", err)
				errs = multierr.Append(errs, err)
				return nil
			}

			responses = append(responses, resp)

			return nil
		})
	}

	g.Wait()

	if len(responses) == 0 {
		return nil, errs
	}

	return responses, nil
}

// query sends one request to one node.
func (n *Node) query(ctx context.Context, peer ids.NodeAddr, body []byte) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	data, err := n.net.Request(ctx, peer, ProtocolTag, body)
	if err != nil {
		return response{}, err
	}

	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return response{}, fmt.Errorf("decode response from %s:\n%w", peer.ID.FmtShort(), err)
	}

	if resp.Error != "" {
		return response{}, fmt.Errorf("%s: %s", peer.ID.FmtShort(), resp.Error)
	}

	return resp, nil
}

// serve answers one request from the local store.
func (n *Node) serve(_ context.Context, s *network.Stream) {
	body, err := network.ReadRequest(s)
	if err != nil {
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}

	resp := n.handle(req, s.Remote().ID)

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}

	s.Write(data)
}

// handle applies req from the authenticated node from.
func (n *Node) handle(req request, from ids.NodeID) response {
	switch req.Op {
	case opGetMutable:
		return response{Records: n.store.getRecords(req.Key)}

	case opPutMutable:
		if req.Record == nil || req.Record.Target != req.Key {
			return response{Error: "missing or mismatched record"}
		}

		if err := req.Record.Verify(); err != nil {
			return response{Error: err.Error()}
		}

		n.store.putRecord(*req.Record)
		return response{}

	case opGetPeers:
		return response{Peers: n.store.getPeers(req.Key)}

	case opAnnouncePeer:
		n.store.addPeer(req.Key, ids.NodeAddr{ID: from, Addrs: req.Addrs})
		return response{}

	default:
		return response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// nextSeq returns a strictly increasing sequence number based on the clock.
func (n *Node) nextSeq() uint64 {
	n.seqMu.Lock()
	defer n.seqMu.Unlock()

	seq := uint64(n.clock.Now().UnixMicro())
	if seq <= n.lastSeq {
		seq = n.lastSeq + 1
	}
	n.lastSeq = seq

	return seq
}
