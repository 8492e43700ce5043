package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"okufs/internal/blobs"
	"okufs/internal/docs"
	"okufs/internal/ids"
	"okufs/internal/replica"
	"okufs/internal/storage"
	"okufs/internal/ticket"
	"okufs/internal/watch"
)

// mockFetcher records fetch calls and serves canned data.
type mockFetcher struct {
	files   map[string][]byte
	byID    []ids.NamespaceID
	tickets []ticket.DocTicket
	paths   []string
	err     error
}

func (m *mockFetcher) FetchFile(_ context.Context, id ids.NamespaceID, path string) ([]byte, error) {
	m.byID = append(m.byID, id)
	m.paths = append(m.paths, path)

	if m.err != nil {
		return nil, m.err
	}

	return m.files[path], nil
}

func (m *mockFetcher) FetchReplica(_ context.Context, t ticket.DocTicket, path string) error {
	m.tickets = append(m.tickets, t)
	m.paths = append(m.paths, path)
	return m.err
}

func (m *mockFetcher) FetchReplicaByID(_ context.Context, id ids.NamespaceID, path string) error {
	m.byID = append(m.byID, id)
	m.paths = append(m.paths, path)
	return m.err
}

func newTestServer(t *testing.T, fetcher Fetcher) (*Server, *replica.Store) {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bs, err := blobs.New(db, nil)
	if err != nil {
		t.Fatalf("create blob store: %v", err)
	}
	t.Cleanup(bs.Close)

	engine, err := docs.NewEngine(docs.Config{DB: db, Blobs: bs})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}
	t.Cleanup(engine.Close)

	store := replica.New(engine, bs, watch.New())

	return New(":0", store, fetcher), store
}

// do runs one request through the routed handler.
func do(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}

	return v
}

func fileURL(id ids.NamespaceID, path string, extra ...string) string {
	q := url.Values{"path": {path}}
	for i := 0; i+1 < len(extra); i += 2 {
		q.Set(extra[i], extra[i+1])
	}

	return "/replicas/" + id.String() + "/file?" + q.Encode()
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := do(t, server, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	resp := decode[map[string]string](t, w)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}

	if w.Header().Get(requestIDHeader) == "" {
		t.Error("expected a request id header")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	server, _ := newTestServer(t, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()

	server.Handler().ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("expected echoed request id, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := do(t, server, "GET", "/metrics", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected go collector output")
	}
}

func TestReplicaLifecycle(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := do(t, server, "POST", "/replicas", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	id := decode[map[string]ids.NamespaceID](t, w)["id"]

	w = do(t, server, "GET", "/replicas", nil)
	infos := decode[[]docs.ReplicaInfo](t, w)
	if len(infos) != 1 || infos[0].ID != id || infos[0].Kind != ticket.Write {
		t.Fatalf("unexpected replica list: %+v", infos)
	}

	w = do(t, server, "DELETE", "/replicas/"+id.String(), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}

	w = do(t, server, "DELETE", "/replicas/"+id.String(), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for second delete, got %d", w.Code)
	}

	w = do(t, server, "GET", "/replicas", nil)
	if got := decode[[]docs.ReplicaInfo](t, w); len(got) != 0 {
		t.Errorf("expected empty list, got %+v", got)
	}
}

func TestFileRoundTrip(t *testing.T) {
	server, store := newTestServer(t, nil)

	id, err := store.Create()
	if err != nil {
		t.Fatalf("create replica: %v", err)
	}

	w := do(t, server, "PUT", fileURL(id, "docs/a.txt"), []byte("alpha"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if hash := decode[map[string]any](t, w)["hash"]; hash != ids.HashBytes([]byte("alpha")).String() {
		t.Errorf("unexpected hash %v", hash)
	}

	w = do(t, server, "GET", fileURL(id, "/docs/a.txt"), nil)
	if w.Code != http.StatusOK || w.Body.String() != "alpha" {
		t.Fatalf("unexpected read: %d %q", w.Code, w.Body.String())
	}

	w = do(t, server, "GET", "/replicas/"+id.String()+"/files?path=/docs", nil)
	files := decode[[]FileInfo](t, w)
	if len(files) != 1 || files[0].Path != "/docs/a.txt" || files[0].Size != 5 {
		t.Fatalf("unexpected listing: %+v", files)
	}

	w = do(t, server, "DELETE", fileURL(id, "/docs/a.txt"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	w = do(t, server, "GET", fileURL(id, "/docs/a.txt"), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 after delete, got %d", w.Code)
	}
}

func TestDeleteDirectoryRecursive(t *testing.T) {
	server, store := newTestServer(t, nil)

	id, _ := store.Create()
	for _, p := range []string{"/d/one", "/d/two", "/keep"} {
		if _, err := store.Write(id, p, []byte(p)); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	w := do(t, server, "DELETE", fileURL(id, "/d", "recursive", "true"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	if n := decode[map[string]int](t, w)["deleted"]; n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}

	entries, _ := store.ListFiles(id, "")
	if len(entries) != 1 {
		t.Errorf("expected one remaining file, got %d", len(entries))
	}
}

func TestBadRequests(t *testing.T) {
	server, store := newTestServer(t, nil)
	id, _ := store.Create()

	tests := []struct {
		name   string
		method string
		target string
	}{
		{"invalid id", "GET", "/replicas/not-base58!/files"},
		{"missing path", "GET", "/replicas/" + id.String() + "/file"},
		{"nul in path", "PUT", fileURL(id, "/a\x00b")},
		{"bad share mode", "GET", "/replicas/" + id.String() + "/ticket?mode=admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, tt.method, tt.target, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestUnknownReplicaIsNotFound(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := do(t, server, "GET", fileURL(ids.NamespaceID{9}, "/x"), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestShareTickets(t *testing.T) {
	server, store := newTestServer(t, nil)

	id, _ := store.Create()
	store.Write(id, "/f", []byte("content"))

	w := do(t, server, "GET", "/replicas/"+id.String()+"/ticket?mode=write", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	parsed, err := ticket.ParseDocTicket(decode[ShareResponse](t, w).Ticket)
	if err != nil {
		t.Fatalf("parse ticket: %v", err)
	}
	if parsed.Capability.ID != id || parsed.Capability.Kind != ticket.Write {
		t.Errorf("unexpected capability %+v", parsed.Capability)
	}

	w = do(t, server, "GET", "/replicas/"+id.String()+"/ticket?path=/f", nil)
	resp := decode[ShareResponse](t, w)
	if len(resp.BlobTickets) != 1 || resp.ContentSize != 7 {
		t.Errorf("unexpected blob share: %+v", resp)
	}
}

func TestShareWriteOfReadOnlyIsForbidden(t *testing.T) {
	server, store := newTestServer(t, nil)

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var id ids.NamespaceID
	copy(id[:], pub)

	if _, err := store.Import(ticket.NewReadCapability(id)); err != nil {
		t.Fatalf("import: %v", err)
	}

	w := do(t, server, "GET", "/replicas/"+id.String()+"/ticket?mode=write", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, server, "PUT", fileURL(id, "/x"), []byte("x"))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403 for write, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMoveAndStats(t *testing.T) {
	server, store := newTestServer(t, nil)

	src, _ := store.Create()
	dst, _ := store.Create()
	store.Write(src, "/in/a", []byte("aa"))
	store.Write(src, "/in/b", []byte("bbb"))

	body, _ := json.Marshal(moveRequest{From: "/in", To: "/out", ToReplica: &dst, Directory: true})
	w := do(t, server, "POST", "/replicas/"+src.String()+"/move", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if move := decode[replica.DirectoryMove](t, w); len(move.Files) != 2 || move.Deleted != 2 {
		t.Errorf("unexpected move result: %+v", move)
	}

	w = do(t, server, "GET", "/replicas/"+dst.String()+"/stats?path=/out", nil)
	st := decode[Stats](t, w)
	if st.Size != 5 || st.Oldest == 0 || st.Newest < st.Oldest {
		t.Errorf("unexpected stats: %+v", st)
	}

	w = do(t, server, "GET", "/stats", nil)
	if all := decode[Stats](t, w); all.Size != 5 {
		t.Errorf("expected total size 5, got %+v", all)
	}
}

func TestMoveOntoItselfKeepsFile(t *testing.T) {
	server, store := newTestServer(t, nil)

	id, _ := store.Create()
	store.Write(id, "/keep.txt", []byte("kept"))

	body, _ := json.Marshal(moveRequest{From: "/keep.txt", To: "/./keep.txt"})
	w := do(t, server, "POST", "/replicas/"+id.String()+"/move", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if move := decode[replica.FileMove](t, w); move.Deleted != 0 || move.Error != "" {
		t.Errorf("unexpected move result: %+v", move)
	}

	w = do(t, server, "GET", fileURL(id, "/keep.txt"), nil)
	if w.Code != http.StatusOK || w.Body.String() != "kept" {
		t.Errorf("file lost after move onto itself: %d %q", w.Code, w.Body.String())
	}
}

func TestFetchRoutes(t *testing.T) {
	fetcher := &mockFetcher{files: map[string][]byte{"/remote": []byte("remote data")}}
	server, store := newTestServer(t, fetcher)

	id, _ := store.Create()

	w := do(t, server, "GET", fileURL(id, "/remote", "fetch", "true"), nil)
	if w.Code != http.StatusOK || w.Body.String() != "remote data" {
		t.Fatalf("unexpected fetched read: %d %q", w.Code, w.Body.String())
	}

	body, _ := json.Marshal(fetchRequest{Path: "docs//x"})
	w = do(t, server, "POST", "/replicas/"+id.String()+"/fetch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := fetcher.paths[len(fetcher.paths)-1]; got != "/docs/x" {
		t.Errorf("expected normalized path, got %q", got)
	}

	t0, err := store.ShareReplica(id, ticket.ShareRead)
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	body, _ = json.Marshal(fetchRequest{Ticket: t0.String()})
	w = do(t, server, "POST", "/tickets/fetch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(fetcher.tickets) != 1 || fetcher.tickets[0].Capability.ID != id {
		t.Errorf("unexpected ticket fetch: %+v", fetcher.tickets)
	}

	body, _ = json.Marshal(fetchRequest{Ticket: "docgarbage"})
	w = do(t, server, "POST", "/tickets/fetch", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad ticket, got %d", w.Code)
	}
}

func TestFetchFailureStatus(t *testing.T) {
	fetcher := &mockFetcher{err: context.DeadlineExceeded}
	server, _ := newTestServer(t, fetcher)

	w := do(t, server, "POST", "/replicas/"+ids.NamespaceID{1}.String()+"/fetch", nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("expected status 504, got %d", w.Code)
	}
}

func TestFetchWithoutFetcher(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := do(t, server, "POST", "/tickets/fetch", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}
