package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	"okufs/internal/dht"
	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/ticket"
)

// ResolveByID merges every ticket published for id in the DHT.
func (s *Service) ResolveByID(ctx context.Context, id ids.NamespaceID) (ticket.DocTicket, error) {
	records, err := s.dht.GetMutable(ctx, dht.MutableTarget(id))
	if err != nil && len(records) == 0 {
		return ticket.DocTicket{}, fmt.Errorf("resolve %s:\n%w", id.FmtShort(), err)
	}

	tickets := make([]ticket.DocTicket, 0, len(records))
	for _, r := range records {
		t, err := ticket.DecodeDocTicket(r.Value)
		if err != nil {
			logger.Debug("skipping undecodable ticket record",
				"namespace", id.FmtShort(),
				"publisher", r.Publisher.FmtShort(),
				"error", err,
			)
			continue
		}

		if t.Capability.ID != id {
			continue
		}

		tickets = append(tickets, t)
	}

	merged, err := ticket.Merge(tickets)
	if err != nil {
		return ticket.DocTicket{}, fmt.Errorf("merge tickets for %s:\n%w", id.FmtShort(), err)
	}

	if merged == nil {
		return ticket.DocTicket{}, &CannotSatisfyRequestError{Namespace: id, Reason: "no ticket records"}
	}

	return *merged, nil
}

// FetchFromPeers asks every peer in id's swarm, and the relay if one is
// configured, for the replica or for the files at or under path. The first
// answer for the right namespace wins. A whole-replica answer is imported; a
// path answer has its blobs downloaded.
func (s *Service) FetchFromPeers(ctx context.Context, id ids.NamespaceID, path string) (*Response, error) {
	if s.net == nil {
		return nil, &CannotSatisfyRequestError{Namespace: id, Reason: "no network"}
	}

	candidates, err := s.candidates(ctx, id)
	if len(candidates) == 0 {
		reason := "no peers announced"
		if err != nil {
			reason = err.Error()
		}
		return nil, &CannotSatisfyRequestError{Namespace: id, Reason: reason}
	}

	body, err := json.Marshal(Request{Namespace: id, Path: path})
	if err != nil {
		return nil, err
	}

	type answer struct {
		resp *Response
		from ids.NodeAddr
	}

	won, err := race(ctx, len(candidates), func(ctx context.Context, i int) (answer, error) {
		resp, err := s.ask(ctx, candidates[i], id, path, body)
		return answer{resp: resp, from: candidates[i]}, err
	}, s.discarded)
	if err != nil {
		return nil, &CannotSatisfyRequestError{Namespace: id, Reason: err.Error()}
	}

	logger.Debug("peer answered ticket request",
		"namespace", id.FmtShort(),
		"peer", won.from,
	)

	if err := s.apply(ctx, won.resp, won.from); err != nil {
		return nil, err
	}

	return won.resp, nil
}

// Resolve returns a ticket for id from the DHT records, falling back to
// asking the swarm for the whole replica.
func (s *Service) Resolve(ctx context.Context, id ids.NamespaceID) (ticket.DocTicket, error) {
	t, err := s.ResolveByID(ctx, id)
	if err == nil {
		return t, nil
	}

	logger.Debug("no ticket record, asking peers", "namespace", id.FmtShort(), "error", err)

	resp, fetchErr := s.FetchFromPeers(ctx, id, "")
	if fetchErr != nil {
		return ticket.DocTicket{}, multierr.Combine(err, fetchErr)
	}

	return *resp.Ticket, nil
}

// candidates returns the swarm members of id other than this node, plus the relay.
func (s *Service) candidates(ctx context.Context, id ids.NamespaceID) ([]ids.NodeAddr, error) {
	peers, err := s.dht.GetPeers(ctx, dht.InfoHash(id))
	peers = ids.Without(peers, s.net.ID())

	if s.relay != nil {
		peers = append(peers, *s.relay)
	}

	return peers, err
}

// ask sends one ticket request and validates the answer.
func (s *Service) ask(ctx context.Context, peer ids.NodeAddr, id ids.NamespaceID, path string, body []byte) (*Response, error) {
	raw, err := s.net.Request(ctx, peer, FetchTicketTag, body)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%s does not hold %s", peer.ID.FmtShort(), id.FmtShort())
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response from %s:\n%w", peer.ID.FmtShort(), err)
	}

	if path == "" {
		if resp.Ticket == nil {
			return nil, fmt.Errorf("%s answered without a ticket", peer.ID.FmtShort())
		}

		if resp.Ticket.Capability.ID != id {
			return nil, fmt.Errorf("%s answered for %s, want %s",
				peer.ID.FmtShort(), resp.Ticket.Capability.ID.FmtShort(), id.FmtShort())
		}

		if err := resp.Ticket.Capability.Validate(); err != nil {
			return nil, fmt.Errorf("ticket from %s:\n%w", peer.ID.FmtShort(), err)
		}
	}

	return &resp, nil
}

// apply imports a whole-replica answer or downloads a path answer's blobs.
func (s *Service) apply(ctx context.Context, resp *Response, from ids.NodeAddr) error {
	if resp.Ticket != nil {
		if !from.ID.IsZero() {
			resp.Ticket.Nodes = ids.SortAddrs(append(resp.Ticket.Nodes, from))
		}

		if _, err := s.replicas.Import(resp.Ticket.Capability); err != nil {
			return fmt.Errorf("import %s:\n%w", resp.Ticket.Capability.ID.FmtShort(), err)
		}

		return nil
	}

	if s.blobs == nil {
		return fmt.Errorf("no blob store to download into")
	}

	var errs error
	for _, bt := range resp.BlobTickets {
		if err := s.blobs.Fetch(ctx, bt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("download %s:\n%w", bt.Hash.FmtShort(), err))
		}
	}

	return errs
}
