// Package blobs is a content-addressed blob store. Blobs are keyed by their
// blake3 hash, stored zstd-compressed in Pebble and served to peers over
// the network.
package blobs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/metrics"
	"okufs/internal/network"
	"okufs/internal/storage"
	"okufs/internal/ticket"
)

// ProtocolTag routes blob download streams.
const ProtocolTag = "okufs/blobs/0"

// lenSize is the size of the uncompressed length stored before the content.
const lenSize = 8

// prefixBlob namespaces blob keys in storage.
var prefixBlob = []byte("b:")

// ErrNotFound is returned when a blob is not held locally or by the peer asked.
var ErrNotFound = errors.New("blob not found")

// Store keeps blobs and serves them to peers.
type Store struct {
	db   *storage.Storage // db holds compressed blob contents
	node *network.Node    // node serves and downloads blobs; nil for a local-only store
	enc  *zstd.Encoder    // enc compresses content at rest
	dec  *zstd.Decoder    // dec decompresses content
}

// New creates a blob store. When node is non-nil the store registers its
// download handler on it.
func New(db *storage.Storage, node *network.Node) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	s := &Store{db: db, node: node, enc: enc, dec: dec}

	if node != nil {
		node.Handle(ProtocolTag, s.serve)
	}

	return s, nil
}

// Close releases the codec resources. The storage is owned by the caller.
func (s *Store) Close() {
	s.enc.Close()
	s.dec.Close()
}

// Put stores data and returns its hash. Storing existing content is a no-op.
func (s *Store) Put(data []byte) (ids.Hash, error) {
	h := ids.HashBytes(data)

	has, err := s.Has(h)
	if err != nil {
		return h, err
	}

	if has {
		return h, nil
	}

	val := make([]byte, lenSize, lenSize+len(data)/2)
	binary.BigEndian.PutUint64(val, uint64(len(data)))
	val = s.enc.EncodeAll(data, val)

	if err := s.db.Set(blobKey(h), val); err != nil {
		return h, fmt.Errorf("store blob:\n%w", err)
	}

	return h, nil
}

// Get returns the content of h.
func (s *Store) Get(h ids.Hash) ([]byte, error) {
	val, err := s.db.Get(blobKey(h))
	if err != nil {
		return nil, fmt.Errorf("load blob:\n%w", err)
	}

	if val == nil {
		return nil, fmt.Errorf("%s: %w", h.FmtShort(), ErrNotFound)
	}

	if len(val) < lenSize {
		return nil, fmt.Errorf("blob %s: corrupt record", h.FmtShort())
	}

	size := binary.BigEndian.Uint64(val[:lenSize])

	data, err := s.dec.DecodeAll(val[lenSize:], make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s:\n%w", h.FmtShort(), err)
	}

	if uint64(len(data)) != size {
		return nil, fmt.Errorf("blob %s: length %d, want %d", h.FmtShort(), len(data), size)
	}

	return data, nil
}

// Has reports whether h is held locally.
func (s *Store) Has(h ids.Hash) (bool, error) {
	return s.db.Has(blobKey(h))
}

// Delete removes h.
func (s *Store) Delete(h ids.Hash) error {
	return s.db.Delete(blobKey(h))
}

// Share returns a ticket naming this node as a source for h.
func (s *Store) Share(h ids.Hash, format ticket.BlobFormat) ticket.BlobTicket {
	t := ticket.BlobTicket{Hash: h, Format: format}
	if s.node != nil {
		t.Node = s.node.Addr()
	}
	return t
}

// Download fetches h from addr unless it is already held, verifying the
// content against the hash.
func (s *Store) Download(ctx context.Context, h ids.Hash, addr ids.NodeAddr) error {
	if has, err := s.Has(h); err != nil || has {
		return err
	}

	if h == ids.EmptyHash {
		_, err := s.Put(nil)
		return err
	}

	if s.node == nil {
		return fmt.Errorf("download %s: store has no network", h.FmtShort())
	}

	data, err := s.node.Request(ctx, addr, ProtocolTag, h[:])
	if err != nil {
		return fmt.Errorf("download %s:\n%w", h.FmtShort(), err)
	}

	if len(data) == 0 {
		return fmt.Errorf("download %s from %s: %w", h.FmtShort(), addr.ID.FmtShort(), ErrNotFound)
	}

	if got := ids.HashBytes(data); got != h {
		return fmt.Errorf("download %s: content hashes to %s", h.FmtShort(), got.FmtShort())
	}

	if _, err := s.Put(data); err != nil {
		return err
	}

	metrics.BlobsDownloaded.Inc()

	return nil
}

// Fetch downloads the blob a ticket names.
func (s *Store) Fetch(ctx context.Context, t ticket.BlobTicket) error {
	return s.Download(ctx, t.Hash, t.Node)
}

// serve answers a download request: the body is a hash, the response the
// content. Unknown hashes get an empty response.
func (s *Store) serve(_ context.Context, st *network.Stream) {
	req, err := network.ReadRequest(st)
	if err != nil || len(req) != ids.Size {
		return
	}

	h, _ := ids.FromBytes[ids.Hash](req)

	data, err := s.Get(h)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("serve blob", "hash", h.FmtShort(), "error", err)
		}
		return
	}

	if _, err := st.Write(data); err != nil {
		logger.Debug("write blob", "hash", h.FmtShort(), "peer", st.Remote().ID.FmtShort(), "error", err)
		return
	}

	metrics.BlobBytesServed.Add(float64(len(data)))
}

// blobKey returns the storage key of h.
func blobKey(h ids.Hash) []byte {
	return append(bytes.Clone(prefixBlob), h[:]...)
}
