package integration

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"okufs/client"
	"okufs/internal/ticket"
)

const (
	// fetchTimeout bounds how long a node may take to pull a replica.
	fetchTimeout = 30 * time.Second
)

// TestFetchThroughDHT writes on node 0 and reads the file back on the other
// nodes, which only know the replica's namespace id.
func TestFetchThroughDHT(t *testing.T) {
	c := NewCluster(t, 3)
	writer := c.Client(0)

	id, err := writer.CreateReplica()
	if err != nil {
		t.Fatalf("create replica: %v", err)
	}

	if _, err := writer.WriteFile(id, "/docs/readme.md", []byte("hello swarm")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := writer.WriteFile(id, "/other.txt", []byte("not requested")); err != nil {
		t.Fatalf("write: %v", err)
	}

	for i := 1; i < 3; i++ {
		reader := c.Client(i)

		c.Eventually(fetchTimeout, fmt.Sprintf("node %d fetch", i), func() error {
			if err := reader.FetchReplica(id, "/docs/readme.md"); err != nil {
				return err
			}

			data, err := reader.ReadFile(id, "/docs/readme.md")
			if err != nil {
				return err
			}
			if string(data) != "hello swarm" {
				return fmt.Errorf("unexpected content %q", data)
			}
			return nil
		})

		// The download was scoped to the requested path.
		files, err := reader.ListFiles(id, "")
		if err != nil {
			t.Fatalf("node %d list: %v", i, err)
		}
		if len(files) != 1 {
			t.Errorf("node %d: expected only the requested file, got %+v", i, files)
		}
	}
}

// TestFetchedReplicaIsReadOnly checks that a replica obtained by id cannot
// be written or re-shared with write access.
func TestFetchedReplicaIsReadOnly(t *testing.T) {
	c := NewCluster(t, 2, WithHTTPBase(18200), WithQUICBase(19200))

	id, err := c.Client(0).CreateReplica()
	if err != nil {
		t.Fatalf("create replica: %v", err)
	}
	c.Client(0).WriteFile(id, "/f", []byte("x"))

	reader := c.Client(1)
	c.Eventually(fetchTimeout, "fetch", func() error { return reader.FetchReplica(id, "") })

	_, err = reader.WriteFile(id, "/g", []byte("y"))
	assertStatus(t, err, http.StatusForbidden)

	_, err = reader.Share(id, ticket.ShareWrite)
	assertStatus(t, err, http.StatusForbidden)
}

// TestWriteTicket hands a write ticket to another node, which can then write.
func TestWriteTicket(t *testing.T) {
	c := NewCluster(t, 2, WithHTTPBase(18300), WithQUICBase(19300), Isolated())

	id, err := c.Client(0).CreateReplica()
	if err != nil {
		t.Fatalf("create replica: %v", err)
	}
	c.Client(0).WriteFile(id, "/shared", []byte("v1"))

	tk, err := c.Client(0).Share(id, ticket.ShareWrite)
	if err != nil {
		t.Fatalf("share: %v", err)
	}

	peer := c.Client(1)
	if err := peer.FetchTicket(tk, ""); err != nil {
		t.Fatalf("fetch ticket: %v", err)
	}

	infos, err := peer.ListReplicas()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Kind != ticket.Write {
		t.Fatalf("expected a writable replica, got %+v", infos)
	}

	if _, err := peer.WriteFile(id, "/from-peer", []byte("v2")); err != nil {
		t.Fatalf("write on peer: %v", err)
	}
}

// TestFetchThroughRelay connects two nodes that share no DHT bootstrap: the
// reader finds the writer only through the relay both are bridged to.
func TestFetchThroughRelay(t *testing.T) {
	c := NewCluster(t, 2, WithHTTPBase(18400), WithQUICBase(19400), WithRelay(), Isolated())

	id, err := c.Client(0).CreateReplica()
	if err != nil {
		t.Fatalf("create replica: %v", err)
	}
	c.Client(0).WriteFile(id, "/via/relay", []byte("relayed"))

	// The bridge reports the new replica on the next relay refresh.
	reader := c.Client(1)
	c.Eventually(fetchTimeout, "fetch through relay", func() error {
		data, err := reader.FetchFile(id, "/via/relay")
		if err != nil {
			return err
		}
		if string(data) != "relayed" {
			return fmt.Errorf("unexpected content %q", data)
		}
		return nil
	})

	if !c.Relay().LogContains("relay session opened") {
		t.Error("relay never registered a bridge session")
	}
}

func assertStatus(t *testing.T, err error, code int) {
	t.Helper()

	var se *client.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected status %d, got %v", code, err)
	}
	if se.Code != code {
		t.Errorf("expected status %d, got %d (%s)", code, se.Code, se.Message)
	}
}
