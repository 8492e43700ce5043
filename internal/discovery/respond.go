package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"okufs/internal/logger"
	"okufs/internal/metrics"
	"okufs/internal/network"
	"okufs/internal/replica"
	"okufs/internal/ticket"
)

// Respond builds the answer to a ticket request from local state.
func (s *Service) Respond(req Request) (*Response, error) {
	if _, err := s.replicas.Open(req.Namespace); err != nil {
		return nil, err
	}

	if req.Path == "" {
		t, err := s.replicas.ShareReplica(req.Namespace, ticket.ShareRead)
		if err != nil {
			return nil, err
		}

		size, err := s.replicas.FolderSize(req.Namespace, "/")
		if err != nil {
			return nil, err
		}

		return &Response{Ticket: &t, ContentSize: size}, nil
	}

	tickets, size, err := s.replicas.ShareFiles(req.Namespace, req.Path)
	if err != nil {
		return nil, err
	}

	return &Response{BlobTickets: tickets, ContentSize: size}, nil
}

// serve answers one fetch-ticket stream. Malformed requests and unknown
// replicas close the stream without a response.
func (s *Service) serve(_ context.Context, st *network.Stream) {
	st.SetDeadline(time.Now().Add(respondTimeout))

	log := logger.With("peer", st.Remote().ID.FmtShort())

	body, err := network.ReadRequest(st)
	if err != nil {
		metrics.TicketRequests.WithLabelValues("malformed").Inc()
		log.Debug("read ticket request", "error", err)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.TicketRequests.WithLabelValues("malformed").Inc()
		log.Debug("decode ticket request", "error", err)
		return
	}

	resp, err := s.Respond(req)
	if err != nil {
		outcome := "error"
		if errors.Is(err, replica.ErrNoReplica) {
			outcome = "not_found"
		}
		metrics.TicketRequests.WithLabelValues(outcome).Inc()
		log.Debug("cannot answer ticket request", "namespace", req.Namespace.FmtShort(), "error", err)
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		metrics.TicketRequests.WithLabelValues("error").Inc()
		return
	}

	if _, err := st.Write(data); err != nil {
		log.Debug("write ticket response", "error", err)
		return
	}

	metrics.TicketRequests.WithLabelValues("served").Inc()
}
