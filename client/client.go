// Package client talks to an okufs node over its HTTP API.
package client

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"okufs/internal/api"
	"okufs/internal/docs"
	"okufs/internal/ids"
	"okufs/internal/replica"
	"okufs/internal/ticket"
)

// Client connects to an okufs node via HTTP.
type Client struct {
	nodeAddr string       // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	http     *http.Client // http carries the requests
}

// NewClient creates a client for the node at nodeAddr. A leading scheme is
// accepted and ignored.
func NewClient(nodeAddr string) *Client {
	nodeAddr = strings.TrimPrefix(nodeAddr, "http://")

	return &Client{
		nodeAddr: strings.TrimSuffix(nodeAddr, "/"),
		http:     &http.Client{Timeout: 6 * time.Minute},
	}
}

func (c *Client) url(path string, query url.Values) string {
	u := "http://" + c.nodeAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) replicaURL(id ids.NamespaceID, suffix string, query url.Values) string {
	return c.url("/replicas/"+id.String()+suffix, query)
}

// Health reports whether the node answers.
func (c *Client) Health() error {
	var resp map[string]string
	return c.httpGet(c.url("/health", nil), &resp)
}

// Stats returns aggregates over every replica.
func (c *Client) Stats() (api.Stats, error) {
	var st api.Stats
	err := c.httpGet(c.url("/stats", nil), &st)
	return st, err
}

// ListReplicas returns the replicas held by the node.
func (c *Client) ListReplicas() ([]docs.ReplicaInfo, error) {
	var infos []docs.ReplicaInfo
	err := c.httpGet(c.url("/replicas", nil), &infos)
	return infos, err
}

// CreateReplica creates a writable replica.
func (c *Client) CreateReplica() (ids.NamespaceID, error) {
	var resp struct {
		ID ids.NamespaceID `json:"id"`
	}

	_, err := c.httpJSON(http.MethodPost, c.url("/replicas", nil), nil, &resp)
	return resp.ID, err
}

// DeleteReplica removes a replica from the node.
func (c *Client) DeleteReplica(id ids.NamespaceID) error {
	_, err := c.httpJSON(http.MethodDelete, c.replicaURL(id, "", nil), nil, nil)
	return err
}

// ListFiles lists the live files under dir ("" for all).
func (c *Client) ListFiles(id ids.NamespaceID, dir string) ([]api.FileInfo, error) {
	q := url.Values{}
	if dir != "" {
		q.Set("path", dir)
	}

	var files []api.FileInfo
	err := c.httpGet(c.replicaURL(id, "/files", q), &files)
	return files, err
}

// ReadFile reads a file from the node's local copy.
func (c *Client) ReadFile(id ids.NamespaceID, path string) ([]byte, error) {
	data, _, err := c.send(http.MethodGet, c.replicaURL(id, "/file", url.Values{"path": {path}}), "", nil)
	return data, err
}

// FetchFile asks the node to pull a file from the network, then reads it.
func (c *Client) FetchFile(id ids.NamespaceID, path string) ([]byte, error) {
	q := url.Values{"path": {path}, "fetch": {"true"}}
	data, _, err := c.send(http.MethodGet, c.replicaURL(id, "/file", q), "", nil)
	return data, err
}

// WriteFile stores data at path and returns the content hash.
func (c *Client) WriteFile(id ids.NamespaceID, path string, data []byte) (ids.Hash, error) {
	body, _, err := c.send(http.MethodPut, c.replicaURL(id, "/file", url.Values{"path": {path}}), "application/octet-stream", data)
	if err != nil {
		return ids.Hash{}, err
	}

	var resp struct {
		Hash ids.Hash `json:"hash"`
	}
	err = decodeInto(body, &resp)
	return resp.Hash, err
}

// DeleteFile deletes one file and returns the number of entries removed.
func (c *Client) DeleteFile(id ids.NamespaceID, path string) (int, error) {
	return c.delete(id, url.Values{"path": {path}})
}

// DeleteDirectory deletes every file under dir.
func (c *Client) DeleteDirectory(id ids.NamespaceID, dir string) (int, error) {
	return c.delete(id, url.Values{"path": {dir}, "recursive": {"true"}})
}

func (c *Client) delete(id ids.NamespaceID, q url.Values) (int, error) {
	var resp struct {
		Deleted int `json:"deleted"`
	}

	_, err := c.httpJSON(http.MethodDelete, c.replicaURL(id, "/file", q), nil, &resp)
	return resp.Deleted, err
}

// moveBody mirrors the node's move request.
type moveBody struct {
	From      string           `json:"from"`
	To        string           `json:"to"`
	ToReplica *ids.NamespaceID `json:"to_replica,omitempty"`
	Directory bool             `json:"directory,omitempty"`
}

// MoveFile moves a file, possibly into another replica.
func (c *Client) MoveFile(from ids.NamespaceID, fromPath string, to ids.NamespaceID, toPath string) (replica.FileMove, error) {
	var m replica.FileMove
	_, err := c.httpJSON(http.MethodPost, c.replicaURL(from, "/move", nil),
		moveBody{From: fromPath, To: toPath, ToReplica: &to}, &m)
	return m, err
}

// MoveDirectory moves every file under fromDir into toDir. A partial move
// returns the per-file results together with a nil error; check Failed.
func (c *Client) MoveDirectory(from ids.NamespaceID, fromDir string, to ids.NamespaceID, toDir string) (replica.DirectoryMove, error) {
	var m replica.DirectoryMove
	_, err := c.httpJSON(http.MethodPost, c.replicaURL(from, "/move", nil),
		moveBody{From: fromDir, To: toDir, ToReplica: &to, Directory: true}, &m)
	return m, err
}

// ReplicaStats returns aggregates for the files under dir.
func (c *Client) ReplicaStats(id ids.NamespaceID, dir string) (api.Stats, error) {
	q := url.Values{}
	if dir != "" {
		q.Set("path", dir)
	}

	var st api.Stats
	err := c.httpGet(c.replicaURL(id, "/stats", q), &st)
	return st, err
}

// Share returns a ticket for the replica.
func (c *Client) Share(id ids.NamespaceID, mode ticket.ShareMode) (ticket.DocTicket, error) {
	var resp api.ShareResponse
	if err := c.httpGet(c.replicaURL(id, "/ticket", url.Values{"mode": {mode.String()}}), &resp); err != nil {
		return ticket.DocTicket{}, err
	}

	return ticket.ParseDocTicket(resp.Ticket)
}

// ShareFiles returns blob tickets for the files at or under path.
func (c *Client) ShareFiles(id ids.NamespaceID, path string) ([]ticket.BlobTicket, uint64, error) {
	var resp api.ShareResponse
	if err := c.httpGet(c.replicaURL(id, "/ticket", url.Values{"path": {path}}), &resp); err != nil {
		return nil, 0, err
	}

	out := make([]ticket.BlobTicket, 0, len(resp.BlobTickets))
	for _, s := range resp.BlobTickets {
		t, err := ticket.ParseBlobTicket(s)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}

	return out, resp.ContentSize, nil
}

// fetchBody mirrors the node's fetch request.
type fetchBody struct {
	Ticket string `json:"ticket,omitempty"`
	Path   string `json:"path,omitempty"`
}

// FetchReplica asks the node to resolve and sync a replica, scoped to path.
func (c *Client) FetchReplica(id ids.NamespaceID, path string) error {
	_, err := c.httpJSON(http.MethodPost, c.replicaURL(id, "/fetch", nil), fetchBody{Path: path}, nil)
	return err
}

// FetchTicket asks the node to sync the replica named by t, scoped to path.
func (c *Client) FetchTicket(t ticket.DocTicket, path string) error {
	_, err := c.httpJSON(http.MethodPost, c.url("/tickets/fetch", nil), fetchBody{Ticket: t.String(), Path: path}, nil)
	return err
}
