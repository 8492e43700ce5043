// Package dht publishes and looks up replica records. Every node keeps an
// expiring record store and serves it to peers; clients publish to and
// query their bootstrap nodes and merge the answers with their own store.
// There is no routing table.
package dht

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"okufs/internal/ids"
)

const (
	mutableTargetContext = "okufs 2024 dht mutable target v0"
	infoHashContext      = "okufs 2024 dht infohash v0"
	recordSigContext     = "okufs 2024 dht record signature v0"
)

// Client is the DHT surface used by discovery.
type Client interface {
	// GetMutable returns every live record published under target.
	GetMutable(ctx context.Context, target ids.Hash) ([]MutableRecord, error)
	// PutMutable publishes value under target, signed by this node.
	PutMutable(ctx context.Context, target ids.Hash, value []byte) error
	// GetPeers returns the nodes announced under infohash.
	GetPeers(ctx context.Context, infohash ids.Hash) ([]ids.NodeAddr, error)
	// AnnouncePeer announces this node under infohash.
	AnnouncePeer(ctx context.Context, infohash ids.Hash) error
}

// MutableTarget returns the record target of a namespace.
func MutableTarget(ns ids.NamespaceID) ids.Hash {
	var out ids.Hash
	blake3.DeriveKey(mutableTargetContext, ns[:], out[:])
	return out
}

// InfoHash returns the peer-announcement key of a namespace.
func InfoHash(ns ids.NamespaceID) ids.Hash {
	var out ids.Hash
	blake3.DeriveKey(infoHashContext, ns[:], out[:])
	return out
}

// MutableRecord is a value published by a node under a target. A newer
// sequence number from the same publisher replaces the older record.
type MutableRecord struct {
	Target    ids.Hash   `json:"target"`
	Publisher ids.NodeID `json:"publisher"`
	Seq       uint64     `json:"seq"`
	Value     []byte     `json:"value"`
	Sig       []byte     `json:"sig"`
}

// signedMessage is the byte string the publisher signs.
func (r MutableRecord) signedMessage() []byte {
	h := blake3.NewDeriveKey(recordSigContext)

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], r.Seq)

	h.Write(r.Target[:])
	h.Write(r.Publisher[:])
	h.Write(seq[:])
	h.Write(r.Value)

	return h.Sum(nil)
}

// signRecord builds a record signed with key.
func signRecord(key ed25519.PrivateKey, target ids.Hash, seq uint64, value []byte) MutableRecord {
	r := MutableRecord{
		Target:    target,
		Publisher: ids.NodeIDFromKey(key.Public().(ed25519.PublicKey)),
		Seq:       seq,
		Value:     value,
	}
	r.Sig = ed25519.Sign(key, r.signedMessage())
	return r
}

// Verify checks the publisher's signature.
func (r MutableRecord) Verify() error {
	if !ed25519.Verify(ed25519.PublicKey(r.Publisher[:]), r.signedMessage(), r.Sig) {
		return fmt.Errorf("record %s from %s: invalid signature", r.Target.FmtShort(), r.Publisher.FmtShort())
	}
	return nil
}
