package docs

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"okufs/internal/blobs"
	"okufs/internal/ids"
	"okufs/internal/network"
	"okufs/internal/pathkey"
	"okufs/internal/storage"
	"okufs/internal/ticket"
)

// testEngine bundles an engine with its dependencies.
type testEngine struct {
	*Engine
	db    *storage.Storage
	blobs *blobs.Store
	node  *network.Node
}

func newTestEngine(t *testing.T, withNode bool) *testEngine {
	t.Helper()

	db, err := storage.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return newTestEngineOn(t, db, withNode)
}

func newTestEngineOn(t *testing.T, db *storage.Storage, withNode bool) *testEngine {
	t.Helper()

	var node *network.Node
	if withNode {
		_, key, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)

		node, err = network.NewNode(network.Config{PrivateKey: key, ListenAddr: "127.0.0.1:0"})
		require.NoError(t, err)
		require.NoError(t, node.Start())
		t.Cleanup(func() { node.Close() })
	}

	bs, err := blobs.New(db, node)
	require.NoError(t, err)
	t.Cleanup(bs.Close)

	e, err := NewEngine(Config{DB: db, Blobs: bs, Node: node})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return &testEngine{Engine: e, db: db, blobs: bs, node: node}
}

func key(p string) []byte { return pathkey.ToFileKey(p) }

func TestCreateOpenListDrop(t *testing.T) {
	e := newTestEngine(t, false)

	r, err := e.Create()
	require.NoError(t, err)
	require.Equal(t, ticket.Write, r.Capability().Kind)

	opened, err := e.Open(r.ID())
	require.NoError(t, err)
	require.Equal(t, r.Capability(), opened.Capability())

	list, err := e.List()
	require.NoError(t, err)
	require.Equal(t, []ReplicaInfo{{ID: r.ID(), Kind: ticket.Write}}, list)

	_, err = r.SetBytes(e.DefaultAuthor(), key("/a"), []byte("x"))
	require.NoError(t, err)

	require.NoError(t, e.Drop(r.ID()))

	_, err = e.Open(r.ID())
	require.ErrorIs(t, err, ErrReplicaNotFound)
	require.ErrorIs(t, e.Drop(r.ID()), ErrReplicaNotFound)

	entries, err := e.scan(r.ID(), nil)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDefaultAuthorPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	db, err := storage.New(dir)
	require.NoError(t, err)

	bs, err := blobs.New(db, nil)
	require.NoError(t, err)

	e, err := NewEngine(Config{DB: db, Blobs: bs})
	require.NoError(t, err)
	author := e.DefaultAuthor()
	e.Close()
	bs.Close()
	require.NoError(t, db.Close())

	db, err = storage.New(dir)
	require.NoError(t, err)
	defer db.Close()

	again := newTestEngineOn(t, db, false)
	require.Equal(t, author, again.DefaultAuthor())
}

func TestSetAndQuery(t *testing.T) {
	e := newTestEngine(t, false)
	r, err := e.Create()
	require.NoError(t, err)

	author := e.DefaultAuthor()

	h, err := r.SetBytes(author, key("/docs/a"), []byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, ids.HashBytes([]byte("alpha")), h)

	_, err = r.SetBytes(author, key("/docs/b"), []byte("beta"))
	require.NoError(t, err)
	_, err = r.SetBytes(author, key("/docsx/c"), []byte("gamma"))
	require.NoError(t, err)

	under, err := r.GetMany(LatestPerKey().Prefix(pathkey.ToPrefixKey("/docs")))
	require.NoError(t, err)
	require.Len(t, under, 2)
	require.Equal(t, key("/docs/a"), under[0].Key)
	require.Equal(t, key("/docs/b"), under[1].Key)

	one, err := r.GetOne(LatestPerKey().Exact(key("/docs/a")))
	require.NoError(t, err)
	require.NotNil(t, one)
	require.Equal(t, uint64(5), one.Len)
	require.NoError(t, one.Verify())

	none, err := r.GetOne(LatestPerKey().Exact(key("/missing")))
	require.NoError(t, err)
	require.Nil(t, none)

	all, err := r.GetMany(AllEntries())
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestOverwriteKeepsNewest(t *testing.T) {
	e := newTestEngine(t, false)
	r, err := e.Create()
	require.NoError(t, err)

	author := e.DefaultAuthor()

	_, err = r.SetBytes(author, key("/f"), []byte("v1"))
	require.NoError(t, err)
	h2, err := r.SetBytes(author, key("/f"), []byte("v2"))
	require.NoError(t, err)

	all, err := r.GetMany(AllEntries().Exact(key("/f")))
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, h2, all[0].Hash)
}

func TestLatestAcrossAuthors(t *testing.T) {
	e := newTestEngine(t, false)
	r, err := e.Create()
	require.NoError(t, err)

	other, err := e.CreateAuthor()
	require.NoError(t, err)

	_, err = r.SetBytes(e.DefaultAuthor(), key("/f"), []byte("first"))
	require.NoError(t, err)
	h, err := r.SetBytes(other, key("/f"), []byte("second"))
	require.NoError(t, err)

	all, err := r.GetMany(AllEntries().Exact(key("/f")))
	require.NoError(t, err)
	require.Len(t, all, 2)

	latest, err := r.GetMany(LatestPerKey().Exact(key("/f")))
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, h, latest[0].Hash)
	require.Equal(t, other, latest[0].Author)

	byAuthor, err := r.GetMany(AllEntries().Author(e.DefaultAuthor()))
	require.NoError(t, err)
	require.Len(t, byAuthor, 1)
}

func TestDelHidesAndCounts(t *testing.T) {
	e := newTestEngine(t, false)
	r, err := e.Create()
	require.NoError(t, err)

	author := e.DefaultAuthor()
	for _, p := range []string{"/docs/a", "/docs/b", "/docs/sub/c", "/docsx/d"} {
		_, err := r.SetBytes(author, key(p), []byte(p))
		require.NoError(t, err)
	}

	n, err := r.Del(author, pathkey.ToPrefixKey("/docs"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	left, err := r.GetMany(LatestPerKey())
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, key("/docsx/d"), left[0].Key)

	withEmpty, err := r.GetMany(LatestPerKey().IncludeEmpty())
	require.NoError(t, err)
	require.Len(t, withEmpty, 2)

	n, err = r.Del(author, key("/docsx/d"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	gone, err := r.GetOne(LatestPerKey().Exact(key("/docsx/d")))
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestTombstoneRejectsOlderEntries(t *testing.T) {
	e := newTestEngine(t, false)
	r, err := e.Create()
	require.NoError(t, err)

	author := e.DefaultAuthor()
	secret, err := e.authorSecret(author)
	require.NoError(t, err)

	// An entry signed before the directory was deleted.
	stale := Entry{
		Namespace: r.ID(),
		Key:       key("/dir/late"),
		Author:    author,
		Timestamp: 1,
		Hash:      ids.HashBytes([]byte("late")),
		Len:       4,
	}
	stale.sign(r.Capability().Secret, secret)

	_, err = r.Del(author, pathkey.ToPrefixKey("/dir"))
	require.NoError(t, err)

	e.writeMu.Lock()
	_, stored, err := e.insertLocked(stale)
	e.writeMu.Unlock()
	require.NoError(t, err)
	require.False(t, stored)
}

func TestReadOnlyReplica(t *testing.T) {
	e := newTestEngine(t, false)
	w, err := e.Create()
	require.NoError(t, err)

	other := newTestEngine(t, false)
	r, err := other.ImportNamespace(w.Capability().ReadOnly())
	require.NoError(t, err)

	_, err = r.SetBytes(other.DefaultAuthor(), key("/a"), []byte("x"))
	require.ErrorIs(t, err, ErrReadOnly)

	_, err = r.Del(other.DefaultAuthor(), key("/a"))
	require.ErrorIs(t, err, ErrReadOnly)

	_, err = r.Share(ticket.ShareWrite)
	var shareErr *ticket.CannotShareWriteableError
	require.ErrorAs(t, err, &shareErr)

	tk, err := r.Share(ticket.ShareRead)
	require.NoError(t, err)
	require.Equal(t, ticket.Read, tk.Capability.Kind)
}

func TestImportMergesCapability(t *testing.T) {
	src := newTestEngine(t, false)
	w, err := src.Create()
	require.NoError(t, err)

	e := newTestEngine(t, false)

	r, err := e.ImportNamespace(w.Capability().ReadOnly())
	require.NoError(t, err)
	require.Equal(t, ticket.Read, r.Capability().Kind)

	r, err = e.ImportNamespace(w.Capability())
	require.NoError(t, err)
	require.Equal(t, ticket.Write, r.Capability().Kind)

	// A later read import does not downgrade.
	r, err = e.ImportNamespace(w.Capability().ReadOnly())
	require.NoError(t, err)
	require.Equal(t, ticket.Write, r.Capability().Kind)

	list, err := e.List()
	require.NoError(t, err)
	require.Equal(t, ticket.Write, list[0].Kind)
}

func TestConcurrentImportsKeepWrite(t *testing.T) {
	src := newTestEngine(t, false)
	e := newTestEngine(t, false)

	for range 50 {
		w, err := src.Create()
		require.NoError(t, err)

		grants := []ticket.Capability{w.Capability().ReadOnly(), w.Capability()}
		errs := make([]error, len(grants))

		var wg sync.WaitGroup
		for i, c := range grants {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = e.ImportNamespace(c)
			}()
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		r, err := e.Open(w.ID())
		require.NoError(t, err)
		require.Equal(t, ticket.Write, r.Capability().Kind)
	}
}

func TestDownloadPolicyPersisted(t *testing.T) {
	e := newTestEngine(t, false)
	r, err := e.Create()
	require.NoError(t, err)

	p, err := r.DownloadPolicy()
	require.NoError(t, err)
	require.Equal(t, ModeEverythingExcept, p.Mode)
	require.True(t, p.Allows(key("/anything")))

	scoped := NothingExcept(pathkey.ScopeFilters("/docs")...)
	require.NoError(t, r.SetDownloadPolicy(scoped))

	got, err := r.DownloadPolicy()
	require.NoError(t, err)
	require.Equal(t, scoped, got)
	require.True(t, got.Allows(key("/docs/a")))
	require.True(t, got.Allows(key("/docs")))
	require.False(t, got.Allows(key("/docsx")))
}

func TestEntryEncodingAndTamper(t *testing.T) {
	e := newTestEngine(t, false)
	r, err := e.Create()
	require.NoError(t, err)

	_, err = r.SetBytes(e.DefaultAuthor(), key("/a"), []byte("content"))
	require.NoError(t, err)

	entry, err := r.GetOne(LatestPerKey())
	require.NoError(t, err)

	decoded, err := decodeEntry(encodeEntry(*entry))
	require.NoError(t, err)
	require.Equal(t, *entry, decoded)
	require.NoError(t, decoded.Verify())

	tampered := decoded
	tampered.Len++
	require.Error(t, tampered.Verify())

	tampered = decoded
	tampered.Key = key("/b")
	require.Error(t, tampered.Verify())

	_, err = decodeEntry([]byte{1, 2, 3})
	require.Error(t, err)

	_, err = decodeEntry([]byte{0xff, 0xff, 0xff, 0x7f, 1, 2, 3, 4, 5, 6})
	require.Error(t, err)
}

func TestSubscribeLocalInserts(t *testing.T) {
	e := newTestEngine(t, false)
	r, err := e.Create()
	require.NoError(t, err)

	events, cancel := r.Subscribe()
	defer cancel()

	_, err = r.SetBytes(e.DefaultAuthor(), key("/a"), []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, InsertLocal, ev.Kind)
		require.Equal(t, key("/a"), ev.Entry.Key)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	cancel()
	cancel()
	require.Empty(t, e.subs.snapshot(r.ID()))
}

func TestSyncAppliesDownloadPolicy(t *testing.T) {
	a := newTestEngine(t, true)
	b := newTestEngine(t, true)

	src, err := a.Create()
	require.NoError(t, err)

	for p, content := range map[string]string{
		"/docs/a":  "alpha",
		"/docs/b":  "beta",
		"/other/c": "gamma",
	} {
		_, err := src.SetBytes(a.DefaultAuthor(), key(p), []byte(content))
		require.NoError(t, err)
	}

	tk, err := src.Share(ticket.ShareRead)
	require.NoError(t, err)
	require.Len(t, tk.Nodes, 1)

	dst, err := b.ImportNamespace(tk.Capability)
	require.NoError(t, err)
	require.NoError(t, dst.SetDownloadPolicy(NothingExcept(pathkey.ScopeFilters("/docs")...)))

	events, cancel := dst.Subscribe()
	defer cancel()

	_, err = dst.StartSync(tk.Nodes)
	require.NoError(t, err)

	waitSyncFinished(t, events, a.node.ID())

	got, err := dst.GetMany(LatestPerKey())
	require.NoError(t, err)
	require.Len(t, got, 2)

	for _, entry := range got {
		require.NoError(t, entry.Verify())

		data, err := b.blobs.Get(entry.Hash)
		require.NoError(t, err)
		require.Equal(t, entry.Len, uint64(len(data)))
	}

	_, err = b.blobs.Get(ids.HashBytes([]byte("gamma")))
	require.ErrorIs(t, err, blobs.ErrNotFound)
}

func TestSyncPropagatesDeletes(t *testing.T) {
	a := newTestEngine(t, true)
	b := newTestEngine(t, true)

	src, err := a.Create()
	require.NoError(t, err)

	_, err = src.SetBytes(a.DefaultAuthor(), key("/f"), []byte("v"))
	require.NoError(t, err)

	tk, err := src.Share(ticket.ShareRead)
	require.NoError(t, err)

	dst, events, cancel, err := b.ImportAndSubscribe(tk)
	require.NoError(t, err)
	defer cancel()

	waitSyncFinished(t, events, a.node.ID())

	one, err := dst.GetOne(LatestPerKey().Exact(key("/f")))
	require.NoError(t, err)
	require.NotNil(t, one)

	_, err = src.Del(a.DefaultAuthor(), key("/f"))
	require.NoError(t, err)

	_, err = dst.StartSync(tk.Nodes)
	require.NoError(t, err)
	waitSyncFinished(t, events, a.node.ID())

	one, err = dst.GetOne(LatestPerKey().Exact(key("/f")))
	require.NoError(t, err)
	require.Nil(t, one)
}

func TestSyncUnknownPeerFails(t *testing.T) {
	b := newTestEngine(t, true)
	a := newTestEngine(t, true)

	// a does not hold the namespace, so it closes the stream.
	w := newTestEngine(t, false)
	src, err := w.Create()
	require.NoError(t, err)

	dst, err := b.ImportNamespace(src.Capability().ReadOnly())
	require.NoError(t, err)

	events, cancel := dst.Subscribe()
	defer cancel()

	started, err := dst.StartSync([]ids.NodeAddr{a.node.Addr()})
	require.NoError(t, err)
	require.Len(t, started, 1)

	ev := nextSyncFinished(t, events)
	require.Error(t, ev.Err)
	require.Equal(t, a.node.ID(), ev.Peer)
	require.Equal(t, started[0], ev.Session)
}

func TestStartSyncSkipsSelf(t *testing.T) {
	e := newTestEngine(t, true)
	r, err := e.Create()
	require.NoError(t, err)

	started, err := r.StartSync([]ids.NodeAddr{e.node.Addr()})
	require.NoError(t, err)
	require.Empty(t, started)

	local := newTestEngine(t, false)
	lr, err := local.Create()
	require.NoError(t, err)
	_, err = lr.StartSync(nil)
	require.Error(t, err)
}

func nextSyncFinished(t *testing.T, events <-chan Event) Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case ev := <-events:
			if ev.Kind == SyncFinished && ev.Initiated {
				return ev
			}
		case <-ctx.Done():
			t.Fatal("sync did not finish")
		}
	}
}

func waitSyncFinished(t *testing.T, events <-chan Event, peer ids.NodeID) {
	t.Helper()

	ev := nextSyncFinished(t, events)
	require.NoError(t, ev.Err)
	require.Equal(t, peer, ev.Peer)
}
