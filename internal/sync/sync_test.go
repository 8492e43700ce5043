package sync

import (
	"context"
	"crypto/ed25519"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"okufs/internal/blobs"
	"okufs/internal/dht"
	"okufs/internal/discovery"
	"okufs/internal/docs"
	"okufs/internal/ids"
	"okufs/internal/network"
	"okufs/internal/pathkey"
	"okufs/internal/replica"
	"okufs/internal/storage"
	"okufs/internal/ticket"
	"okufs/internal/watch"
)

// testNode is a full node stack on loopback.
type testNode struct {
	net       *network.Node
	replicas  *replica.Store
	discovery *discovery.Service
	sync      *Engine
	notifier  *watch.Notifier

	mu     gosync.Mutex
	states []State
}

func (n *testNode) recorded() []State {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]State(nil), n.states...)
}

func newTestNode(t *testing.T, bootstrap ...ids.NodeAddr) *testNode {
	t.Helper()

	db, err := storage.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	node, err := network.NewNode(network.Config{PrivateKey: key, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(func() { node.Close() })

	bs, err := blobs.New(db, node)
	require.NoError(t, err)
	t.Cleanup(bs.Close)

	engine, err := docs.NewEngine(docs.Config{DB: db, Blobs: bs, Node: node})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	n := &testNode{net: node, notifier: watch.New()}
	n.replicas = replica.New(engine, bs, n.notifier)

	d, err := dht.New(dht.Config{Network: node, Bootstrap: bootstrap})
	require.NoError(t, err)

	n.discovery, err = discovery.New(discovery.Config{Network: node, DHT: d, Replicas: n.replicas, Blobs: bs})
	require.NoError(t, err)

	n.sync, err = New(Config{
		Replicas: n.replicas,
		Resolver: n.discovery,
		OnState: func(_ ids.NamespaceID, s State) {
			n.mu.Lock()
			n.states = append(n.states, s)
			n.mu.Unlock()
		},
	})
	require.NoError(t, err)

	return n
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func listPaths(t *testing.T, s *replica.Store, id ids.NamespaceID) []string {
	t.Helper()

	entries, err := s.ListFiles(id, "")
	require.NoError(t, err)

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		p, err := pathkey.FromFileKey(e.Key)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestFetchReplicaByIDEndToEnd(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t, a.net.Addr())
	ctx := testContext(t)

	id, err := a.replicas.Create()
	require.NoError(t, err)
	_, err = a.replicas.Write(id, "/docs/readme.txt", []byte("hello from a"))
	require.NoError(t, err)

	require.NoError(t, a.discovery.AnnounceReplicas(ctx))

	before := b.notifier.Version()

	require.NoError(t, b.sync.FetchReplicaByID(ctx, id, "/docs/readme.txt"))

	data, err := b.replicas.Read(id, "/docs/readme.txt")
	require.NoError(t, err)
	require.Equal(t, "hello from a", string(data))

	require.Equal(t, []State{Resolving, Importing, Syncing, Converged}, b.recorded())
	require.Greater(t, b.notifier.Version(), before)

	kind, err := b.replicas.Capability(id)
	require.NoError(t, err)
	require.Equal(t, ticket.Read, kind)
}

func TestFetchFileScopesDownload(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t, a.net.Addr())
	ctx := testContext(t)

	id, err := a.replicas.Create()
	require.NoError(t, err)
	_, err = a.replicas.Write(id, "/wanted", []byte("yes"))
	require.NoError(t, err)
	_, err = a.replicas.Write(id, "/other", []byte("no"))
	require.NoError(t, err)
	require.NoError(t, a.discovery.AnnounceReplicas(ctx))

	data, err := b.sync.FetchFile(ctx, id, "/wanted")
	require.NoError(t, err)
	require.Equal(t, "yes", string(data))

	require.Equal(t, []string{"/wanted"}, listPaths(t, b.replicas, id))
}

func TestFetchFileFallsBackToLocal(t *testing.T) {
	b := newTestNode(t)
	ctx := testContext(t)

	id, err := b.replicas.Create()
	require.NoError(t, err)
	_, err = b.replicas.Write(id, "/local", []byte("mine"))
	require.NoError(t, err)

	// Nothing announced anywhere: resolution fails and the local copy is read.
	data, err := b.sync.FetchFile(ctx, id, "/local")
	require.NoError(t, err)
	require.Equal(t, "mine", string(data))

	_, err = b.sync.FetchFile(ctx, id, "/missing")
	require.ErrorIs(t, err, replica.ErrNotFound)

	_, err = b.sync.FetchFile(ctx, ids.NamespaceID{4}, "/x")
	require.ErrorIs(t, err, replica.ErrNoReplica)
}

func TestFetchReplicaNoPeers(t *testing.T) {
	a := newTestNode(t)
	ctx := testContext(t)

	id, err := a.replicas.Create()
	require.NoError(t, err)

	t0, err := a.replicas.ShareReplica(id, ticket.ShareRead)
	require.NoError(t, err)

	// The ticket only names this node.
	err = a.sync.FetchReplica(ctx, t0, "")
	require.ErrorIs(t, err, ErrNoPeers)
	require.Equal(t, Failed, a.recorded()[len(a.recorded())-1])
}

func TestFetchReplicaAllPeersFail(t *testing.T) {
	a := newTestNode(t)
	stranger := newTestNode(t)
	ctx := testContext(t)

	id, err := a.replicas.Create()
	require.NoError(t, err)

	t0, err := a.replicas.ShareReplica(id, ticket.ShareRead)
	require.NoError(t, err)

	// A peer that does not hold the replica.
	t0.Nodes = []ids.NodeAddr{stranger.net.Addr()}

	b := newTestNode(t)
	err = b.sync.FetchReplica(ctx, t0, "")
	require.Error(t, err)
	require.NoError(t, ctx.Err())
}

func TestConcurrentFetchesCountOwnSessions(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	ctx := testContext(t)

	id, err := a.replicas.Create()
	require.NoError(t, err)
	_, err = a.replicas.Write(id, "/f", []byte("live"))
	require.NoError(t, err)

	good, err := a.replicas.ShareReplica(id, ticket.ShareRead)
	require.NoError(t, err)

	// Same replica, but only an unreachable node.
	stale := good
	stale.Nodes = []ids.NodeAddr{{ID: ids.NodeID{9}}}

	tickets := []ticket.DocTicket{good, stale}
	errs := make([]error, len(tickets))

	var wg gosync.WaitGroup
	for i, tk := range tickets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.sync.FetchReplica(ctx, tk, "")
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.Error(t, errs[1])

	data, err := b.replicas.Read(id, "/f")
	require.NoError(t, err)
	require.Equal(t, "live", string(data))
}

func TestAwaitConvergenceIgnoresForeignSessions(t *testing.T) {
	events := make(chan docs.Event, 4)
	events <- docs.Event{Kind: docs.SyncFinished, Initiated: true, Session: 7, Err: errors.New("dial failed")}
	events <- docs.Event{Kind: docs.SyncFinished, Initiated: true, Session: 8, Err: errors.New("dial failed")}
	events <- docs.Event{Kind: docs.SyncFinished, Initiated: true, Session: 1, Err: errors.New("closed")}
	events <- docs.Event{Kind: docs.SyncFinished, Initiated: true, Session: 2}

	require.NoError(t, awaitConvergence(testContext(t), events, []docs.SessionID{1, 2}))

	events <- docs.Event{Kind: docs.SyncFinished, Initiated: true, Session: 3}
	events <- docs.Event{Kind: docs.SyncFinished, Initiated: true, Session: 4, Err: errors.New("closed")}

	err := awaitConvergence(testContext(t), events, []docs.SessionID{4})
	require.ErrorContains(t, err, "closed")
}

func TestSyncReplicaKeepsPolicy(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t, a.net.Addr())
	ctx := testContext(t)

	id, err := a.replicas.Create()
	require.NoError(t, err)
	_, err = a.replicas.Write(id, "/dir/one", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, a.discovery.AnnounceReplicas(ctx))

	require.NoError(t, b.sync.FetchReplicaByID(ctx, id, "/dir"))

	_, err = a.replicas.Write(id, "/dir/one", []byte("1 updated"))
	require.NoError(t, err)
	_, err = a.replicas.Write(id, "/elsewhere", []byte("skip"))
	require.NoError(t, err)

	require.NoError(t, b.sync.SyncReplica(ctx, id))

	data, err := b.replicas.Read(id, "/dir/one")
	require.NoError(t, err)
	require.Equal(t, "1 updated", string(data))

	require.Equal(t, []string{"/dir/one"}, listPaths(t, b.replicas, id))
}

func TestRefresherSyncsReadOnlyReplicas(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t, a.net.Addr())
	ctx := testContext(t)

	id, err := a.replicas.Create()
	require.NoError(t, err)
	_, err = a.replicas.Write(id, "/f", []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, a.discovery.AnnounceReplicas(ctx))

	require.NoError(t, b.sync.FetchReplicaByID(ctx, id, ""))

	_, err = a.replicas.Write(id, "/f", []byte("v2"))
	require.NoError(t, err)

	clk := clock.NewMock()
	r := NewRefresher(b.sync, time.Minute, clk)
	r.Start()
	t.Cleanup(r.Stop)

	require.Eventually(t, func() bool {
		if r.Passes() == 0 {
			clk.Add(time.Minute)
			return false
		}
		data, err := b.replicas.Read(id, "/f")
		return err == nil && string(data) == "v2"
	}, 15*time.Second, 50*time.Millisecond)
}
