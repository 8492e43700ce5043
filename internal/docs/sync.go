package docs

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/metrics"
	"okufs/internal/network"
)

// SyncProtocolTag routes document sync streams.
const SyncProtocolTag = "okufs/docs-sync/0"

// syncSessionTimeout bounds one sync session with one peer.
const syncSessionTimeout = 10 * time.Minute

// StartSync starts one background sync session per peer, skipping this
// node, and returns the ids of the started sessions. Each session ends with
// a SyncFinished event carrying its id.
func (r *Replica) StartSync(peers []ids.NodeAddr) ([]SessionID, error) {
	e := r.engine
	if e.node == nil {
		return nil, fmt.Errorf("start sync %s: engine has no network", r.ID().FmtShort())
	}

	peers = ids.Without(peers, e.node.ID())
	started := make([]SessionID, 0, len(peers))

	for _, peer := range peers {
		session := SessionID(e.sessions.Add(1))
		started = append(started, session)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.syncWith(r.ID(), peer, session)
		}()
	}

	return started, nil
}

// syncWith runs one initiated sync session and publishes its outcome.
func (e *Engine) syncWith(ns ids.NamespaceID, peer ids.NodeAddr, session SessionID) {
	ctx, cancel := context.WithTimeout(e.ctx, syncSessionTimeout)
	defer cancel()

	start := time.Now()

	remote, from, err := e.initiate(ctx, ns, peer)
	if err == nil {
		err = e.applyRemote(ctx, ns, remote, from)
	}

	if from.ID.IsZero() {
		from = peer
	}

	if err != nil {
		logger.Warn("sync failed", "replica", ns.FmtShort(), "peer", from.ID.FmtShort(), "error", err)
	} else {
		logger.Debug("sync finished", "replica", ns.FmtShort(), "peer", from.ID.FmtShort(), "entries", len(remote), logger.Timed(start))
	}

	metrics.PeerSyncs.WithLabelValues(metrics.Result(err)).Inc()

	e.subs.publish(ns, Event{Kind: SyncFinished, Peer: from.ID, Initiated: true, Session: session, Err: err}, e.ctx.Done())
}

// initiate runs the initiator side of the exchange: send the namespace,
// receive the peer's entries, send ours.
func (e *Engine) initiate(ctx context.Context, ns ids.NamespaceID, peer ids.NodeAddr) ([][]byte, ids.NodeAddr, error) {
	s, err := e.node.Open(ctx, peer, SyncProtocolTag)
	if err != nil {
		return nil, ids.NodeAddr{}, err
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	from := s.Remote()

	if err := network.WriteMessage(s, ns[:]); err != nil {
		return nil, from, fmt.Errorf("send namespace:\n%w", err)
	}

	remote, err := readEntries(s)
	if err != nil {
		return nil, from, fmt.Errorf("receive entries:\n%w", err)
	}

	local, err := e.scanRaw(ns)
	if err != nil {
		return nil, from, err
	}

	if err := writeEntries(s, local); err != nil {
		return nil, from, fmt.Errorf("send entries:\n%w", err)
	}

	if err := s.CloseWrite(); err != nil {
		return nil, from, err
	}

	return remote, from, nil
}

// serveSync runs the responder side. Unknown namespaces close the stream.
func (e *Engine) serveSync(ctx context.Context, s *network.Stream) {
	ctx, cancel := context.WithTimeout(ctx, syncSessionTimeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	s.SetDeadline(deadline)

	req, err := network.ReadMessage(s)
	if err != nil {
		return
	}

	ns, err := ids.FromBytes[ids.NamespaceID](req)
	if err != nil {
		return
	}

	if _, err := e.Open(ns); err != nil {
		logger.Debug("sync for unknown replica", "replica", ns.FmtShort(), "peer", s.Remote().ID.FmtShort())
		return
	}

	local, err := e.scanRaw(ns)
	if err != nil {
		logger.Warn("sync scan", "replica", ns.FmtShort(), "error", err)
		return
	}

	if err := writeEntries(s, local); err != nil {
		return
	}

	remote, err := readEntries(s)
	if err == nil {
		err = e.applyRemote(ctx, ns, remote, s.Remote())
	}

	metrics.PeerSyncs.WithLabelValues(metrics.Result(err)).Inc()

	e.subs.publish(ns, Event{Kind: SyncFinished, Peer: s.Remote().ID, Err: err}, e.ctx.Done())
}

// applyRemote verifies, filters and stores entries received from a peer,
// downloading their content from it first. Entries whose content cannot be
// fetched are skipped and reported in the returned error.
func (e *Engine) applyRemote(ctx context.Context, ns ids.NamespaceID, raw [][]byte, from ids.NodeAddr) error {
	r, err := e.Open(ns)
	if err != nil {
		return err
	}

	policy, err := r.DownloadPolicy()
	if err != nil {
		return fmt.Errorf("load download policy:\n%w", err)
	}

	var errs error

	for _, data := range raw {
		entry, err := decodeEntry(data)
		if err != nil {
			metrics.EntriesRejected.WithLabelValues("malformed").Inc()
			continue
		}

		if entry.Namespace != ns {
			metrics.EntriesRejected.WithLabelValues("namespace").Inc()
			continue
		}

		if !policy.Allows(entry.Key) {
			metrics.EntriesRejected.WithLabelValues("policy").Inc()
			continue
		}

		if err := entry.Verify(); err != nil {
			metrics.EntriesRejected.WithLabelValues("signature").Inc()
			logger.Debug("reject entry", "replica", ns.FmtShort(), "peer", from.ID.FmtShort(), "error", err)
			continue
		}

		if err := e.applyOne(ctx, entry, from); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// applyOne stores one verified remote entry if it is new to us.
func (e *Engine) applyOne(ctx context.Context, entry Entry, from ids.NodeAddr) error {
	e.writeMu.Lock()
	_, ok, err := e.acceptsLocked(entry)
	e.writeMu.Unlock()

	if err != nil || !ok {
		return err
	}

	if !entry.IsEmpty() {
		if err := e.blobs.Download(ctx, entry.Hash, from); err != nil {
			return fmt.Errorf("content of %q:\n%w", entry.Key, err)
		}
	}

	e.writeMu.Lock()
	_, stored, err := e.insertLocked(entry)
	e.writeMu.Unlock()

	if err != nil || !stored {
		return err
	}

	metrics.EntriesInserted.WithLabelValues("remote").Inc()

	stop := e.ctx.Done()
	e.subs.publish(entry.Namespace, Event{Kind: InsertRemote, Entry: entry, Peer: from.ID}, stop)

	if !entry.IsEmpty() {
		e.subs.publish(entry.Namespace, Event{Kind: ContentReady, Hash: entry.Hash, Peer: from.ID}, stop)
	}

	return nil
}

// scanRaw returns the encoded entries of ns, tombstones included.
func (e *Engine) scanRaw(ns ids.NamespaceID) ([][]byte, error) {
	var out [][]byte

	err := e.db.IteratePrefix(entryPrefix(ns, nil), func(_, v []byte) error {
		out = append(out, bytes.Clone(v))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan entries:\n%w", err)
	}

	return out, nil
}

// writeEntries sends entries followed by an empty terminator frame.
func writeEntries(s *network.Stream, entries [][]byte) error {
	for _, data := range entries {
		if err := network.WriteMessage(s, data); err != nil {
			return err
		}
	}

	return network.WriteMessage(s, nil)
}

// readEntries reads frames until the empty terminator.
func readEntries(s *network.Stream) ([][]byte, error) {
	var out [][]byte

	for {
		data, err := network.ReadMessage(s)
		if err != nil {
			return nil, err
		}

		if len(data) == 0 {
			return out, nil
		}

		out = append(out, data)
	}
}
