// Package network is the QUIC transport shared by every okufs protocol.
//
// Each protocol exchange runs on its own bidirectional stream. The opener
// writes the protocol tag followed by a newline; the accepting node reads
// that line and dispatches the stream to the handler registered for the tag.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"okufs/internal/ids"
	"okufs/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "okufs/1"

	// defaultRequestTimeout bounds Request calls whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// tagReadTimeout bounds how long an accepted stream may take to send its tag.
	tagReadTimeout = 10 * time.Second
)

// ErrNoAddress is returned when a node can neither be reached through an
// existing connection nor dialed.
var ErrNoAddress = errors.New("no usable address for node")

// Handler serves one inbound stream. The stream is closed when the handler returns.
type Handler func(ctx context.Context, s *Stream)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey    ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr    string             // ListenAddr is the address to listen on (e.g., ":4433")
	AdvertiseAddr string             // AdvertiseAddr is the address published to peers; defaults to the listener address
}

// Node accepts and initiates QUIC connections and routes streams by tag.
type Node struct {
	privateKey    ed25519.PrivateKey // privateKey is the node's ed25519 private key
	id            ids.NodeID         // id is the node's public key
	listenAddr    string             // listenAddr is the address to listen on
	advertiseAddr string             // advertiseAddr overrides the listener address in Addr
	tlsConfig     *tls.Config        // tlsConfig is the TLS configuration
	quicConfig    *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[ids.NodeID]*Peer // peers maps node id to the live connection
	peersMu sync.RWMutex         // peersMu protects peers map

	handlers   map[string]Handler // handlers maps protocol tag to handler
	handlersMu sync.RWMutex       // handlersMu protects handlers

	onConnect    func(*Peer) // onConnect is called when a peer connects
	onDisconnect func(*Peer) // onDisconnect is called when a peer disconnects

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := nodeCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true, // identity is the certificate key
		VerifyPeerCertificate: verifyNodeCertificate,
		NextProtos:            []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:    cfg.PrivateKey,
		id:            ids.NodeIDFromKey(cfg.PrivateKey.Public().(ed25519.PublicKey)),
		listenAddr:    cfg.ListenAddr,
		advertiseAddr: cfg.AdvertiseAddr,
		tlsConfig:     tlsConfig,
		quicConfig:    quicConfig,
		peers:         make(map[ids.NodeID]*Peer),
		handlers:      make(map[string]Handler),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// ID returns the node's id.
func (n *Node) ID() ids.NodeID {
	return n.id
}

// PrivateKey returns the node's signing key.
func (n *Node) PrivateKey() ed25519.PrivateKey {
	return n.privateKey
}

// Addr returns the address peers should dial. Addrs is empty if the node
// has not started and no advertise address is configured.
func (n *Node) Addr() ids.NodeAddr {
	addr := ids.NodeAddr{ID: n.id}

	switch {
	case n.advertiseAddr != "":
		addr.Addrs = []string{n.advertiseAddr}
	case n.listener != nil:
		addr.Addrs = []string{n.listener.Addr().String()}
	}

	return addr
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Handle registers h for streams opened with tag, replacing any previous handler.
func (n *Node) Handle(tag string, h Handler) {
	n.handlersMu.Lock()
	n.handlers[tag] = h
	n.handlersMu.Unlock()
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Connect dials addr and returns the new peer.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.callOnConnect(peer)

	return peer, nil
}

// Open opens a tagged stream to addr. An existing connection to addr.ID is
// reused whichever side dialed it; otherwise each address is tried in turn.
func (n *Node) Open(ctx context.Context, addr ids.NodeAddr, tag string) (*Stream, error) {
	if addr.ID == n.id {
		return nil, fmt.Errorf("open %s: refusing to dial self", tag)
	}

	if !addr.ID.IsZero() {
		if p := n.Peer(addr.ID); p != nil {
			s, err := p.Open(ctx, tag)
			if err == nil {
				return s, nil
			}
			logger.Debug("cached connection unusable", "peer", addr.ID.FmtShort(), "error", err)
		}
	}

	var errs []error

	for _, a := range addr.Addrs {
		p, err := n.Connect(ctx, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if !addr.ID.IsZero() && p.ID() != addr.ID {
			p.Close()
			errs = append(errs, fmt.Errorf("%s answered as %s, want %s", a, p.ID().FmtShort(), addr.ID.FmtShort()))
			continue
		}

		return p.Open(ctx, tag)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("open %s to %s: %w", tag, addr.ID.FmtShort(), ErrNoAddress)
	}

	return nil, fmt.Errorf("open %s to %s:\n%w", tag, addr.ID.FmtShort(), multierr.Combine(errs...))
}

// Request opens a tagged stream, writes body, closes the send side and reads
// the response until the remote closes its side.
func (n *Node) Request(ctx context.Context, addr ids.NodeAddr, tag string, body []byte) ([]byte, error) {
	s, err := n.Open(ctx, addr, tag)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	s.SetDeadline(deadline)

	if _, err := s.Write(body); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("close request:\n%w", err)
	}

	resp, err := readAll(s)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return resp, nil
}

// Peer returns the live connection to id, or nil if not connected.
func (n *Node) Peer(id ids.NodeID) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[ids.NodeID]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		logger.Debug("reject connection", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection and starts serving its streams.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	tlsState := conn.ConnectionState().TLS

	id, err := peerNodeID(tlsState)
	if err != nil {
		return nil, fmt.Errorf("identify peer:\n%w", err)
	}

	peer := &Peer{
		id:      id,
		address: addr,
		conn:    conn,
		node:    n,
	}

	n.peersMu.Lock()
	n.peers[peer.id] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop(n.ctx)
	}()

	return peer, nil
}

// handlePeerDisconnect forgets p unless a newer connection already replaced it.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// handler returns the handler registered for tag.
func (n *Node) handler(tag string) (Handler, bool) {
	n.handlersMu.RLock()
	defer n.handlersMu.RUnlock()

	h, ok := n.handlers[tag]
	return h, ok
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}
