package docs

import (
	"bytes"
	"fmt"

	"okufs/internal/ids"
	"okufs/internal/metrics"
	"okufs/internal/ticket"
)

// Replica is a handle on one held namespace.
type Replica struct {
	engine     *Engine           // engine owns storage and sync
	capability ticket.Capability // capability is the access held
}

// ID returns the namespace id.
func (r *Replica) ID() ids.NamespaceID {
	return r.capability.ID
}

// Capability returns the access held.
func (r *Replica) Capability() ticket.Capability {
	return r.capability
}

// GetMany returns the entries matching q ordered by key, then author.
func (r *Replica) GetMany(q Query) ([]Entry, error) {
	entries, err := r.engine.scan(r.ID(), q.scanPrefix())
	if err != nil {
		return nil, err
	}

	return q.apply(entries), nil
}

// GetOne returns the first entry matching q, or nil when none does.
func (r *Replica) GetOne(q Query) (*Entry, error) {
	entries, err := r.GetMany(q)
	if err != nil || len(entries) == 0 {
		return nil, err
	}

	return &entries[0], nil
}

// SetBytes stores data in the blob store and writes an entry for it at key.
func (r *Replica) SetBytes(author ids.AuthorID, key, data []byte) (ids.Hash, error) {
	if r.capability.Kind != ticket.Write {
		return ids.Hash{}, fmt.Errorf("set %q: %w", key, ErrReadOnly)
	}

	h, err := r.engine.blobs.Put(data)
	if err != nil {
		return ids.Hash{}, fmt.Errorf("store content:\n%w", err)
	}

	if err := r.insertLocal(author, key, h, uint64(len(data))); err != nil {
		return ids.Hash{}, err
	}

	return h, nil
}

// Del removes every entry by author whose key starts with prefix and writes
// a tombstone at prefix. It returns the number of entries removed.
func (r *Replica) Del(author ids.AuthorID, prefix []byte) (int, error) {
	if r.capability.Kind != ticket.Write {
		return 0, fmt.Errorf("delete %q: %w", prefix, ErrReadOnly)
	}

	e := r.engine
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	entry, err := e.signLocked(r.capability, author, prefix, ids.EmptyHash, 0)
	if err != nil {
		return 0, err
	}

	removed, _, err := e.insertLocked(entry)
	if err != nil {
		return 0, err
	}

	metrics.EntriesInserted.WithLabelValues("local").Inc()
	e.subs.publish(r.ID(), Event{Kind: InsertLocal, Entry: entry}, e.ctx.Done())

	return removed, nil
}

// Share returns a ticket for this replica naming this node as a peer.
func (r *Replica) Share(mode ticket.ShareMode) (ticket.DocTicket, error) {
	if !ticket.CanShare(r.capability.Kind, mode) {
		return ticket.DocTicket{}, &ticket.CannotShareWriteableError{Namespace: r.ID()}
	}

	capability := r.capability
	if mode == ticket.ShareRead {
		capability = capability.ReadOnly()
	}

	t := ticket.DocTicket{Capability: capability}
	if addr := r.engine.NodeAddr(); len(addr.Addrs) > 0 {
		t.Nodes = []ids.NodeAddr{addr}
	}

	return t, nil
}

// SetDownloadPolicy persists the policy applied to entries received from peers.
func (r *Replica) SetDownloadPolicy(p DownloadPolicy) error {
	data, err := encodePolicy(p)
	if err != nil {
		return err
	}

	return r.engine.db.Set(policyKey(r.ID()), data)
}

// DownloadPolicy returns the stored policy, EverythingExcept() by default.
func (r *Replica) DownloadPolicy() (DownloadPolicy, error) {
	data, err := r.engine.db.Get(policyKey(r.ID()))
	if err != nil {
		return DownloadPolicy{}, err
	}

	if data == nil {
		return EverythingExcept(), nil
	}

	return decodePolicy(data)
}

// Subscribe returns a channel of this replica's events and a function that
// ends the subscription.
func (r *Replica) Subscribe() (<-chan Event, func()) {
	return r.engine.subs.add(r.ID())
}

// insertLocal signs and stores a local entry.
func (r *Replica) insertLocal(author ids.AuthorID, key []byte, h ids.Hash, size uint64) error {
	e := r.engine
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	entry, err := e.signLocked(r.capability, author, key, h, size)
	if err != nil {
		return err
	}

	if _, _, err := e.insertLocked(entry); err != nil {
		return err
	}

	metrics.EntriesInserted.WithLabelValues("local").Inc()
	e.subs.publish(r.ID(), Event{Kind: InsertLocal, Entry: entry}, e.ctx.Done())

	return nil
}

// signLocked builds and signs an entry timestamped now. Callers hold writeMu.
func (e *Engine) signLocked(c ticket.Capability, author ids.AuthorID, key []byte, h ids.Hash, size uint64) (Entry, error) {
	secret, err := e.authorSecret(author)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Namespace: c.ID,
		Key:       bytes.Clone(key),
		Author:    author,
		Timestamp: e.nextTimestamp(),
		Hash:      h,
		Len:       size,
	}
	entry.sign(c.Secret, secret)

	return entry, nil
}

// insertLocked stores entry if it is newer than the entry in its
// (key, author) slot and not covered by a newer tombstone of the same author
// at a prefix of its key. A tombstone removes older entries of its author
// under its key. Returns the number of non-empty entries removed and whether
// entry was stored. Callers hold writeMu.
func (e *Engine) insertLocked(entry Entry) (int, bool, error) {
	existing, ok, err := e.acceptsLocked(entry)
	if err != nil || !ok {
		return 0, false, err
	}

	b := e.db.NewBatch()
	defer b.Close()

	removed := 0
	if existing != nil && !existing.IsEmpty() {
		removed++
	}

	if entry.IsEmpty() {
		err := e.db.IteratePrefix(entryPrefix(entry.Namespace, entry.Key), func(k, v []byte) error {
			old, err := decodeEntry(v)
			if err != nil {
				return err
			}

			// The storage prefix also matches shorter keys whose author id
			// happens to continue the prefix.
			if !bytes.HasPrefix(old.Key, entry.Key) || bytes.Equal(old.Key, entry.Key) {
				return nil
			}

			if old.Author != entry.Author || old.Timestamp >= entry.Timestamp {
				return nil
			}

			if !old.IsEmpty() {
				removed++
			}

			return b.Delete(bytes.Clone(k))
		})
		if err != nil {
			return 0, false, fmt.Errorf("remove covered entries:\n%w", err)
		}
	}

	if err := b.Set(entryKey(entry.Namespace, entry.Key, entry.Author), encodeEntry(entry)); err != nil {
		return 0, false, err
	}

	if err := b.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit entry:\n%w", err)
	}

	return removed, true, nil
}

// acceptsLocked reports whether entry would be stored, returning the entry
// currently in its slot. Callers hold writeMu.
func (e *Engine) acceptsLocked(entry Entry) (*Entry, bool, error) {
	existing, err := e.loadEntry(entry.Namespace, entry.Key, entry.Author)
	if err != nil {
		return nil, false, err
	}

	if existing != nil && !entry.newerThan(*existing) {
		return existing, false, nil
	}

	if !entry.IsEmpty() {
		covered, err := e.coveredByTombstone(entry)
		if err != nil || covered {
			return existing, false, err
		}
	}

	return existing, true, nil
}

// coveredByTombstone reports whether the entry's author deleted a prefix of
// its key at or after its timestamp.
func (e *Engine) coveredByTombstone(entry Entry) (bool, error) {
	for i := 0; i < len(entry.Key); i++ {
		t, err := e.loadEntry(entry.Namespace, entry.Key[:i], entry.Author)
		if err != nil {
			return false, err
		}

		if t != nil && t.IsEmpty() && t.Timestamp >= entry.Timestamp {
			return true, nil
		}
	}

	return false, nil
}

// loadEntry returns the entry in the (key, author) slot, or nil.
func (e *Engine) loadEntry(ns ids.NamespaceID, key []byte, author ids.AuthorID) (*Entry, error) {
	data, err := e.db.Get(entryKey(ns, key, author))
	if err != nil || data == nil {
		return nil, err
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("decode stored entry:\n%w", err)
	}

	return &entry, nil
}

// scan decodes every entry of ns whose key starts with prefix.
func (e *Engine) scan(ns ids.NamespaceID, prefix []byte) ([]Entry, error) {
	var out []Entry

	err := e.db.IteratePrefix(entryPrefix(ns, prefix), func(_, v []byte) error {
		entry, err := decodeEntry(v)
		if err != nil {
			return err
		}

		out = append(out, entry)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan entries:\n%w", err)
	}

	return out, nil
}
