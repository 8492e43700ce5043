// Package docs is the replicated document engine. A replica is a namespace
// of signed entries; each key may hold one entry per author and the newest
// entry per key wins. Entries reference content in the blob store and are
// reconciled with peers over the network.
package docs

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"okufs/internal/blobs"
	"okufs/internal/ids"
	"okufs/internal/network"
	"okufs/internal/storage"
	"okufs/internal/ticket"
)

// Storage key prefixes.
var (
	prefixNamespace = []byte("d:n:")
	prefixPolicy    = []byte("d:p:")
	prefixEntry     = []byte("d:e:")
	prefixAuthor    = []byte("d:a:")
	keyDefaultAuth  = []byte("d:default-author")
)

var (
	// ErrReplicaNotFound is returned when a namespace is not held locally.
	ErrReplicaNotFound = errors.New("replica not found")

	// ErrReadOnly is returned when writing to a replica held with read access.
	ErrReadOnly = errors.New("replica is read-only")

	// ErrAuthorNotFound is returned when signing with an unknown author.
	ErrAuthorNotFound = errors.New("author not found")
)

// ReplicaInfo describes a locally held replica.
type ReplicaInfo struct {
	ID   ids.NamespaceID       `json:"id"`
	Kind ticket.CapabilityKind `json:"capability"`
}

// Config holds the dependencies of an Engine.
type Config struct {
	DB    *storage.Storage // DB stores namespaces, authors and entries
	Blobs *blobs.Store     // Blobs holds entry content
	Node  *network.Node    // Node syncs with peers; nil for a local-only engine
	Clock clock.Clock      // Clock timestamps entries; defaults to the wall clock
}

// Engine owns every replica held by the node.
type Engine struct {
	db    *storage.Storage // db is the backing store
	blobs *blobs.Store     // blobs holds content
	node  *network.Node    // node is the sync transport
	clock clock.Clock      // clock timestamps entries

	defaultAuthor ids.AuthorID // defaultAuthor signs entries written by this node

	writeMu sync.Mutex // writeMu serializes entry inserts and capability imports
	lastTS  uint64     // lastTS is the last issued timestamp, guarded by writeMu

	subs     *subscribers  // subs fans out events
	sessions atomic.Uint64 // sessions numbers initiated sync sessions

	ctx    context.Context    // ctx bounds background syncs
	cancel context.CancelFunc // cancel stops background syncs
	wg     sync.WaitGroup     // wg tracks background syncs
}

// NewEngine opens the engine, creating the default author on first start.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.DB == nil || cfg.Blobs == nil {
		return nil, fmt.Errorf("storage and blob store are required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		db:     cfg.DB,
		blobs:  cfg.Blobs,
		node:   cfg.Node,
		clock:  clk,
		subs:   newSubscribers(),
		ctx:    ctx,
		cancel: cancel,
	}

	author, err := e.loadDefaultAuthor()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load default author:\n%w", err)
	}
	e.defaultAuthor = author

	if e.node != nil {
		e.node.Handle(SyncProtocolTag, e.serveSync)
	}

	return e, nil
}

// Close stops running syncs and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// DefaultAuthor returns the author this node signs with.
func (e *Engine) DefaultAuthor() ids.AuthorID {
	return e.defaultAuthor
}

// NodeAddr returns the address peers use to sync with this node.
func (e *Engine) NodeAddr() ids.NodeAddr {
	if e.node == nil {
		return ids.NodeAddr{}
	}
	return e.node.Addr()
}

// CreateAuthor mints and stores a new author key.
func (e *Engine) CreateAuthor() (ids.AuthorID, error) {
	pub, secret, err := ed25519.GenerateKey(nil)
	if err != nil {
		return ids.AuthorID{}, fmt.Errorf("generate author key:\n%w", err)
	}

	id, _ := ids.FromBytes[ids.AuthorID](pub)

	if err := e.db.Set(authorKey(id), secret); err != nil {
		return ids.AuthorID{}, fmt.Errorf("store author:\n%w", err)
	}

	return id, nil
}

// Create mints a new namespace held with write access.
func (e *Engine) Create() (*Replica, error) {
	_, secret, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate namespace key:\n%w", err)
	}

	capability := ticket.NewWriteCapability(secret)

	if err := e.storeCapability(capability); err != nil {
		return nil, err
	}

	return &Replica{engine: e, capability: capability}, nil
}

// Open returns the replica for id.
func (e *Engine) Open(id ids.NamespaceID) (*Replica, error) {
	capability, err := e.loadCapability(id)
	if err != nil {
		return nil, err
	}

	return &Replica{engine: e, capability: capability}, nil
}

// List returns every held replica ordered by id.
func (e *Engine) List() ([]ReplicaInfo, error) {
	var out []ReplicaInfo

	err := e.db.IteratePrefix(prefixNamespace, func(key, value []byte) error {
		id, err := ids.FromBytes[ids.NamespaceID](key[len(prefixNamespace):])
		if err != nil {
			return fmt.Errorf("namespace key:\n%w", err)
		}

		capability, err := decodeCapability(id, value)
		if err != nil {
			return err
		}

		out = append(out, ReplicaInfo{ID: id, Kind: capability.Kind})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list replicas:\n%w", err)
	}

	return out, nil
}

// Drop forgets a replica and all its entries. Content blobs are kept.
func (e *Engine) Drop(id ids.NamespaceID) error {
	if _, err := e.loadCapability(id); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.db.DeletePrefix(entryPrefix(id, nil)); err != nil {
		return fmt.Errorf("drop entries:\n%w", err)
	}

	b := e.db.NewBatch()
	defer b.Close()

	if err := b.Delete(policyKey(id)); err != nil {
		return err
	}

	if err := b.Delete(namespaceKey(id)); err != nil {
		return err
	}

	return b.Commit()
}

// ImportNamespace stores capability, merging it with an existing one so
// that write access is never downgraded.
func (e *Engine) ImportNamespace(capability ticket.Capability) (*Replica, error) {
	if err := capability.Validate(); err != nil {
		return nil, fmt.Errorf("import namespace:\n%w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	existing, err := e.loadCapability(capability.ID)
	switch {
	case err == nil:
		capability, err = existing.Merge(capability)
		if err != nil {
			return nil, err
		}
	case !errors.Is(err, ErrReplicaNotFound):
		return nil, err
	}

	if err := e.storeCapability(capability); err != nil {
		return nil, err
	}

	return &Replica{engine: e, capability: capability}, nil
}

// ImportAndSubscribe imports the ticket's capability, subscribes to the
// replica and starts syncing with the ticket's nodes. The subscription is
// open before any sync starts.
func (e *Engine) ImportAndSubscribe(t ticket.DocTicket) (*Replica, <-chan Event, func(), error) {
	r, err := e.ImportNamespace(t.Capability)
	if err != nil {
		return nil, nil, nil, err
	}

	events, cancel := r.Subscribe()

	if _, err := r.StartSync(t.Nodes); err != nil {
		cancel()
		return nil, nil, nil, err
	}

	return r, events, cancel, nil
}

// nextTimestamp returns a strictly increasing microsecond timestamp.
// Callers hold writeMu.
func (e *Engine) nextTimestamp() uint64 {
	ts := uint64(e.clock.Now().UnixMicro())
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	return ts
}

// loadDefaultAuthor returns the persisted default author, creating it if absent.
func (e *Engine) loadDefaultAuthor() (ids.AuthorID, error) {
	raw, err := e.db.Get(keyDefaultAuth)
	if err != nil {
		return ids.AuthorID{}, err
	}

	if raw != nil {
		return ids.FromBytes[ids.AuthorID](raw)
	}

	id, err := e.CreateAuthor()
	if err != nil {
		return ids.AuthorID{}, err
	}

	if err := e.db.Set(keyDefaultAuth, id[:]); err != nil {
		return ids.AuthorID{}, err
	}

	return id, nil
}

// authorSecret returns the signing key of author.
func (e *Engine) authorSecret(author ids.AuthorID) (ed25519.PrivateKey, error) {
	raw, err := e.db.Get(authorKey(author))
	if err != nil {
		return nil, err
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s: %w", author.FmtShort(), ErrAuthorNotFound)
	}

	return ed25519.PrivateKey(raw), nil
}

// storeCapability persists a namespace's capability.
func (e *Engine) storeCapability(c ticket.Capability) error {
	value := []byte{byte(c.Kind)}
	if c.Kind == ticket.Write {
		value = append(value, c.Secret...)
	}

	if err := e.db.Set(namespaceKey(c.ID), value); err != nil {
		return fmt.Errorf("store namespace:\n%w", err)
	}

	return nil
}

// loadCapability returns the stored capability of id.
func (e *Engine) loadCapability(id ids.NamespaceID) (ticket.Capability, error) {
	value, err := e.db.Get(namespaceKey(id))
	if err != nil {
		return ticket.Capability{}, fmt.Errorf("load namespace:\n%w", err)
	}

	if value == nil {
		return ticket.Capability{}, fmt.Errorf("%s: %w", id.FmtShort(), ErrReplicaNotFound)
	}

	return decodeCapability(id, value)
}

// decodeCapability parses a stored namespace record.
func decodeCapability(id ids.NamespaceID, value []byte) (ticket.Capability, error) {
	if len(value) == 0 {
		return ticket.Capability{}, fmt.Errorf("namespace %s: empty record", id.FmtShort())
	}

	c := ticket.Capability{Kind: ticket.CapabilityKind(value[0]), ID: id}
	if c.Kind == ticket.Write {
		c.Secret = ed25519.PrivateKey(bytes.Clone(value[1:]))
	}

	if err := c.Validate(); err != nil {
		return ticket.Capability{}, fmt.Errorf("namespace %s:\n%w", id.FmtShort(), err)
	}

	return c, nil
}

func namespaceKey(id ids.NamespaceID) []byte {
	return slices.Concat(prefixNamespace, id[:])
}

func policyKey(id ids.NamespaceID) []byte {
	return slices.Concat(prefixPolicy, id[:])
}

func authorKey(id ids.AuthorID) []byte {
	return slices.Concat(prefixAuthor, id[:])
}

// entryPrefix returns the storage prefix of id's entries whose key starts with key.
func entryPrefix(id ids.NamespaceID, key []byte) []byte {
	return slices.Concat(prefixEntry, id[:], key)
}

// entryKey returns the storage key of the (key, author) slot.
func entryKey(id ids.NamespaceID, key []byte, author ids.AuthorID) []byte {
	return slices.Concat(prefixEntry, id[:], key, author[:])
}
