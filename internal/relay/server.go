package relay

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"okufs/internal/discovery"
	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/metrics"
	"okufs/internal/network"
)

const (
	// DefaultRefreshInterval is how often the server asks every bridged node
	// for its replica list.
	DefaultRefreshInterval = 5 * time.Minute

	// forwardTimeout bounds one forwarded ticket request.
	forwardTimeout = 30 * time.Second
)

// session is one bridged node.
type session struct {
	id     uuid.UUID       // id identifies the session in logs
	peer   *network.Peer   // peer is the bridged connection
	stream *network.Stream // stream is the long-lived session stream

	writeMu sync.Mutex                   // writeMu serializes refresh signals
	held    map[ids.NamespaceID]struct{} // held is the reported inventory, guarded by Server.mu
}

// signal asks the bridged node to resend its inventory.
func (s *session) signal() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.stream.WriteLine(discovery.RelayRefreshTag)
}

// ServerConfig holds the configuration for a Server.
type ServerConfig struct {
	Network         *network.Node // Network accepts bridges and ticket requests
	RefreshInterval time.Duration // RefreshInterval defaults to DefaultRefreshInterval
	Clock           clock.Clock   // Clock drives the refresh loop
}

// Server tracks bridged nodes and forwards ticket requests to them.
type Server struct {
	net      *network.Node
	interval time.Duration
	clock    clock.Clock

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a relay server and registers its handlers.
func NewServer(cfg ServerConfig) *Server {
	interval := cfg.RefreshInterval
	if interval == 0 {
		interval = DefaultRefreshInterval
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Server{
		net:      cfg.Network,
		interval: interval,
		clock:    clk,
		sessions: make(map[uuid.UUID]*session),
		stop:     make(chan struct{}),
	}

	s.net.Handle(discovery.RelayInitTag, s.serveSession)
	s.net.Handle(discovery.FetchTicketTag, s.serveFetch)

	return s
}

// Start begins the periodic refresh loop.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.refreshLoop()
}

// Stop stops the refresh loop.
func (s *Server) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// refreshLoop signals every session once per interval.
func (s *Server) refreshLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RequestRefresh()
		case <-s.stop:
			return
		}
	}
}

// RequestRefresh asks every bridged node to resend its replica list.
func (s *Server) RequestRefresh() {
	for _, sess := range s.snapshot() {
		if err := sess.signal(); err != nil {
			logger.Debug("refresh signal failed", "session", sess.id, "error", err)
		}
	}
}

// Sessions returns the number of bridged nodes.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// Holders returns the bridged nodes that reported holding ns.
func (s *Server) Holders(ns ids.NamespaceID) []ids.NodeAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ids.NodeAddr
	for _, sess := range s.sessions {
		if _, ok := sess.held[ns]; ok {
			out = append(out, sess.peer.NodeAddr())
		}
	}

	return ids.SortAddrs(out)
}

func (s *Server) snapshot() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}

	return out
}

// serveSession registers a bridge and follows its inventory updates until
// the stream ends.
func (s *Server) serveSession(_ context.Context, st *network.Stream) {
	sess := &session{
		id:     uuid.New(),
		peer:   st.Peer(),
		stream: st,
	}

	log := logger.With("session", sess.id, "peer", sess.peer.ID().FmtShort())

	first := true
	for {
		line, err := st.ReadLine()
		if err != nil {
			break
		}

		var held []ids.NamespaceID
		if err := json.Unmarshal([]byte(line), &held); err != nil {
			log.Debug("malformed replica list", "error", err)
			break
		}

		s.update(sess, held, first)
		if first {
			log.Info("relay session opened", "replicas", len(held))
			first = false
		}
	}

	if !first {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()

		metrics.RelaySessions.Dec()
		log.Info("relay session closed")
	}
}

// update replaces a session's inventory, registering the session on first use.
func (s *Server) update(sess *session, held []ids.NamespaceID, register bool) {
	set := make(map[ids.NamespaceID]struct{}, len(held))
	for _, id := range held {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	sess.held = set
	if register {
		s.sessions[sess.id] = sess
	}
	s.mu.Unlock()

	if register {
		metrics.RelaySessions.Inc()
	}
}

// serveFetch forwards a ticket request to a bridged holder of the replica.
// Without a holder the stream is closed without a response.
func (s *Server) serveFetch(ctx context.Context, st *network.Stream) {
	body, err := network.ReadRequest(st)
	if err != nil {
		return
	}

	var req discovery.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}

	holders := slices.DeleteFunc(s.Holders(req.Namespace), func(a ids.NodeAddr) bool {
		return a.ID == st.Remote().ID
	})

	for _, h := range holders {
		fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
		resp, err := s.net.Request(fctx, h, discovery.FetchTicketTag, body)
		cancel()

		if err != nil || len(resp) == 0 {
			logger.Debug("holder did not answer", "holder", h.ID.FmtShort(), "error", err)
			continue
		}

		if _, err := st.Write(resp); err != nil {
			logger.Debug("write forwarded response", "error", err)
		}
		return
	}

	err = &discovery.CannotSatisfyRequestError{Namespace: req.Namespace, Reason: "no bridged node holds it"}
	logger.Warn("relay request unanswered", "error", err)
}
