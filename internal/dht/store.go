package dht

import (
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"okufs/internal/ids"
	"okufs/internal/metrics"
)

// recordKey identifies one publisher's record under a target.
type recordKey struct {
	target    ids.Hash
	publisher ids.NodeID
}

// peerKey identifies one node announced under an infohash.
type peerKey struct {
	infohash ids.Hash
	node     ids.NodeID
}

// store holds records and announcements until they expire.
type store struct {
	records *expirable.LRU[recordKey, MutableRecord]
	peers   *expirable.LRU[peerKey, ids.NodeAddr]
}

func newStore(size int, ttl time.Duration) *store {
	return &store{
		records: expirable.NewLRU[recordKey, MutableRecord](size, nil, ttl),
		peers:   expirable.NewLRU[peerKey, ids.NodeAddr](size, nil, ttl),
	}
}

// putRecord stores r unless a record with a higher sequence number from the
// same publisher is held. r must be verified.
func (s *store) putRecord(r MutableRecord) bool {
	k := recordKey{target: r.Target, publisher: r.Publisher}

	if cur, ok := s.records.Get(k); ok && cur.Seq > r.Seq {
		return false
	}

	s.records.Add(k, r)
	metrics.DHTRecords.WithLabelValues("mutable").Set(float64(s.records.Len()))

	return true
}

// getRecords returns the live records under target.
func (s *store) getRecords(target ids.Hash) []MutableRecord {
	var out []MutableRecord

	for _, k := range s.records.Keys() {
		if k.target != target {
			continue
		}

		if r, ok := s.records.Get(k); ok {
			out = append(out, r)
		}
	}

	return out
}

// addPeer records addr under infohash, refreshing its expiry.
func (s *store) addPeer(infohash ids.Hash, addr ids.NodeAddr) {
	s.peers.Add(peerKey{infohash: infohash, node: addr.ID}, addr)
	metrics.DHTRecords.WithLabelValues("peer").Set(float64(s.peers.Len()))
}

// getPeers returns the live nodes announced under infohash.
func (s *store) getPeers(infohash ids.Hash) []ids.NodeAddr {
	var out []ids.NodeAddr

	for _, k := range s.peers.Keys() {
		if k.infohash != infohash {
			continue
		}

		if a, ok := s.peers.Get(k); ok {
			out = append(out, a)
		}
	}

	return out
}

// mergeRecords keeps the highest sequence number per publisher.
func mergeRecords(records []MutableRecord) []MutableRecord {
	best := make(map[ids.NodeID]MutableRecord, len(records))
	for _, r := range records {
		if cur, ok := best[r.Publisher]; !ok || r.Seq > cur.Seq {
			best[r.Publisher] = r
		}
	}

	out := make([]MutableRecord, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}

	slices.SortFunc(out, func(a, b MutableRecord) int {
		return a.Publisher.Compare(b.Publisher)
	})

	return out
}
