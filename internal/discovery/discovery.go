// Package discovery finds peers holding a replica and exchanges tickets with
// them. Replicas are announced to the DHT as signed ticket records and as
// swarm membership; when no record resolves, the node asks announced peers
// directly over the fetch-ticket protocol.
package discovery

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"okufs/internal/blobs"
	"okufs/internal/dht"
	"okufs/internal/ids"
	"okufs/internal/network"
	"okufs/internal/replica"
	"okufs/internal/ticket"
)

// Protocol tags.
const (
	// FetchTicketTag requests a ticket for a replica or a path within it.
	FetchTicketTag = "okufs/fetch-ticket/0"

	// RelayInitTag opens a relay bridge session.
	RelayInitTag = "okufs/relay-init/0"

	// RelayRefreshTag asks a bridged node to resend its replica list.
	RelayRefreshTag = "okufs/relay-refresh/0"
)

const (
	// InitialPublishDelay is the wait before the first announcement.
	InitialPublishDelay = 500 * time.Millisecond

	// RepublishDelay is the period between announcements.
	RepublishDelay = time.Hour

	// respondTimeout bounds reading a request and writing its response.
	respondTimeout = 30 * time.Second
)

// Request asks a peer for a replica, or for the files at or under Path.
type Request struct {
	Namespace ids.NamespaceID `json:"namespace_id"`
	Path      string          `json:"path,omitempty"`
}

// Response answers a Request. Ticket is set for whole-replica requests,
// BlobTickets for path requests.
type Response struct {
	Ticket      *ticket.DocTicket   `json:"ticket,omitempty"`
	BlobTickets []ticket.BlobTicket `json:"blob_tickets,omitempty"`
	ContentSize uint64              `json:"content_size"`
}

// CannotSatisfyRequestError is returned when no source can provide a replica.
type CannotSatisfyRequestError struct {
	Namespace ids.NamespaceID
	Reason    string
}

func (e *CannotSatisfyRequestError) Error() string {
	return fmt.Sprintf("cannot satisfy request for %s: %s", e.Namespace, e.Reason)
}

// Config holds the dependencies of a Service.
type Config struct {
	Network  *network.Node  // Network carries ticket requests
	DHT      dht.Client     // DHT stores ticket records and swarm membership
	Replicas *replica.Store // Replicas answers requests and receives imports
	Blobs    *blobs.Store   // Blobs receives per-path downloads
	Relay    *ids.NodeAddr  // Relay is asked alongside announced peers; optional
	Clock    clock.Clock    // Clock drives the announce loop
}

// Service announces local replicas and resolves remote ones.
type Service struct {
	net      *network.Node
	dht      dht.Client
	replicas *replica.Store
	blobs    *blobs.Store
	relay    *ids.NodeAddr
	clock    clock.Clock

	// discarded is called for each race result that arrives after a winner.
	discarded func()
}

// New creates the service and registers the fetch-ticket handler.
func New(cfg Config) (*Service, error) {
	if cfg.DHT == nil || cfg.Replicas == nil {
		return nil, fmt.Errorf("dht and replica store are required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Service{
		net:      cfg.Network,
		dht:      cfg.DHT,
		replicas: cfg.Replicas,
		blobs:    cfg.Blobs,
		relay:    cfg.Relay,
		clock:    clk,
	}

	if s.net != nil {
		s.net.Handle(FetchTicketTag, s.serve)
	}

	return s, nil
}
