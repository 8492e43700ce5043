package network

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"okufs/internal/ids"
	"okufs/internal/logger"
)

// Peer represents a connection to a remote node.
type Peer struct {
	id      ids.NodeID  // id is the remote node's public key
	address string      // address is the remote address
	conn    *quic.Conn  // conn is the underlying QUIC connection
	node    *Node       // node is the parent node
	closed  atomic.Bool // closed indicates if the peer is closed
}

// ID returns the remote node's id.
func (p *Peer) ID() ids.NodeID {
	return p.id
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// NodeAddr returns the remote node's id and address.
func (p *Peer) NodeAddr() ids.NodeAddr {
	return ids.NodeAddr{ID: p.id, Addrs: []string{p.address}}
}

// Open opens a bidirectional stream and writes the protocol tag line.
func (p *Peer) Open(ctx context.Context, tag string) (*Stream, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	if strings.ContainsRune(tag, '\n') {
		return nil, fmt.Errorf("invalid tag %q", tag)
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}

	if _, err := stream.Write([]byte(tag + "\n")); err != nil {
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return nil, fmt.Errorf("write tag:\n%w", err)
	}

	return newStream(stream, p), nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts bidirectional streams until the connection ends.
func (p *Peer) receiveLoop(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("receiveLoop ended", "peer", p.id.FmtShort(), "error", err)
			break
		}

		go p.handleStream(ctx, stream)
	}

	p.handleDisconnect()
}

// handleStream reads the tag line and dispatches the stream. Unknown or
// malformed tags close the stream without a response.
func (p *Peer) handleStream(ctx context.Context, stream *quic.Stream) {
	s := newStream(stream, p)
	defer s.Close()

	s.SetReadDeadline(time.Now().Add(tagReadTimeout))

	line, err := s.r.ReadSlice('\n')
	if err != nil {
		logger.Debug("read tag", "peer", p.id.FmtShort(), "error", err)
		return
	}

	s.SetReadDeadline(time.Time{})

	tag := string(line[:len(line)-1])

	h, ok := p.node.handler(tag)
	if !ok {
		logger.Debug("unknown protocol", "peer", p.id.FmtShort(), "tag", tag)
		return
	}

	h(ctx, s)
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	p.closed.Store(true)
	p.node.handlePeerDisconnect(p)
}
