// Package sync fetches replicas from the network: it resolves a ticket,
// imports the capability, scopes what to download and waits for the first
// peer sync to converge.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"okufs/internal/docs"
	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/metrics"
	"okufs/internal/pathkey"
	"okufs/internal/replica"
	"okufs/internal/ticket"
)

// ErrNoPeers is returned when a ticket names no peer other than this node.
var ErrNoPeers = errors.New("no peers to sync with")

// State is the stage of one fetch.
type State uint8

// Fetch states, in order.
const (
	Resolving State = iota
	Importing
	Syncing
	Converged
	Failed
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Importing:
		return "importing"
	case Syncing:
		return "syncing"
	case Converged:
		return "converged"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resolver finds a ticket for a namespace.
type Resolver interface {
	Resolve(ctx context.Context, id ids.NamespaceID) (ticket.DocTicket, error)
}

// Config holds the dependencies of an Engine.
type Config struct {
	Replicas *replica.Store // Replicas imports capabilities and reads files
	Resolver Resolver       // Resolver turns namespace ids into tickets

	// OnState, if set, observes every state transition.
	OnState func(id ids.NamespaceID, s State)
}

// Engine runs fetches.
type Engine struct {
	replicas *replica.Store
	resolver Resolver
	onState  func(ids.NamespaceID, State)
}

// New creates a sync engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Replicas == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("replica store and resolver are required")
	}

	return &Engine{
		replicas: cfg.Replicas,
		resolver: cfg.Resolver,
		onState:  cfg.OnState,
	}, nil
}

// FetchFile resolves id, syncs the file at path and reads it. When
// resolution or sync fails the local copy is read instead.
func (e *Engine) FetchFile(ctx context.Context, id ids.NamespaceID, path string) ([]byte, error) {
	t, err := e.resolve(ctx, id)
	if err != nil {
		logger.Warn("resolve failed, reading local copy", "replica", id.FmtShort(), "path", path, "error", err)
		return e.replicas.Read(id, path)
	}

	data, err := e.FetchFileWithTicket(ctx, t, path)
	if err != nil {
		logger.Warn("fetch failed, reading local copy", "replica", id.FmtShort(), "path", path, "error", err)
		return e.replicas.Read(id, path)
	}

	return data, nil
}

// FetchFileWithTicket syncs the file at path from the ticket's peers and reads it.
func (e *Engine) FetchFileWithTicket(ctx context.Context, t ticket.DocTicket, path string) ([]byte, error) {
	if err := e.FetchReplica(ctx, t, path); err != nil {
		return nil, err
	}

	return e.replicas.Read(t.Capability.ID, path)
}

// FetchReplica imports the ticket's capability, restricts downloads to path
// (everything when path is empty), syncs with the ticket's peers and blocks
// until one sync succeeds or every sync has failed. There is no timeout
// beyond ctx.
func (e *Engine) FetchReplica(ctx context.Context, t ticket.DocTicket, path string) error {
	policy := docs.EverythingExcept()
	if path != "" {
		policy = docs.NothingExcept(pathkey.ScopeFilters(path)...)
	}

	return e.fetch(ctx, t, &policy)
}

// FetchReplicaByID resolves id and fetches it like FetchReplica.
func (e *Engine) FetchReplicaByID(ctx context.Context, id ids.NamespaceID, path string) error {
	t, err := e.resolve(ctx, id)
	if err != nil {
		e.transition(id, Failed)
		return err
	}

	return e.FetchReplica(ctx, t, path)
}

// SyncReplica resolves a fresh ticket for a held replica and syncs it,
// keeping its current download policy.
func (e *Engine) SyncReplica(ctx context.Context, id ids.NamespaceID) error {
	t, err := e.resolve(ctx, id)
	if err != nil {
		e.transition(id, Failed)
		return err
	}

	return e.fetch(ctx, t, nil)
}

// resolve asks the resolver for a ticket.
func (e *Engine) resolve(ctx context.Context, id ids.NamespaceID) (ticket.DocTicket, error) {
	e.transition(id, Resolving)

	t, err := e.resolver.Resolve(ctx, id)
	if err != nil {
		return ticket.DocTicket{}, fmt.Errorf("resolve %s:\n%w", id.FmtShort(), err)
	}

	return t, nil
}

// fetch imports t, applies policy when non-nil, syncs and waits.
func (e *Engine) fetch(ctx context.Context, t ticket.DocTicket, policy *docs.DownloadPolicy) (err error) {
	id := t.Capability.ID
	start := time.Now()

	defer func() {
		metrics.FetchDuration.WithLabelValues(metrics.Result(err)).Observe(time.Since(start).Seconds())
		if err != nil {
			e.transition(id, Failed)
		}
	}()

	e.transition(id, Importing)

	r, err := e.replicas.Import(t.Capability)
	if err != nil {
		return err
	}

	if policy != nil {
		if err := r.SetDownloadPolicy(*policy); err != nil {
			return fmt.Errorf("set download policy:\n%w", err)
		}
	}

	events, cancel := r.Subscribe()
	defer cancel()

	e.transition(id, Syncing)

	sessions, err := r.StartSync(t.Nodes)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		return fmt.Errorf("fetch %s: %w", id.FmtShort(), ErrNoPeers)
	}

	if err := awaitConvergence(ctx, events, sessions); err != nil {
		return fmt.Errorf("sync %s:\n%w", id.FmtShort(), err)
	}

	e.transition(id, Converged)
	logger.Info("replica synchronised", "replica", id.FmtShort(), logger.Timed(start))

	if n := e.replicas.Notifier(); n != nil {
		n.Notify()
	}

	return nil
}

// awaitConvergence waits for the first of sessions to succeed. It fails once
// all of them have failed. Sessions started by other fetches of the same
// replica are ignored.
func awaitConvergence(ctx context.Context, events <-chan docs.Event, sessions []docs.SessionID) error {
	pending := make(map[docs.SessionID]struct{}, len(sessions))
	for _, s := range sessions {
		pending[s] = struct{}{}
	}

	var errs error

	for {
		select {
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return multierr.Append(errs, errors.New("subscription closed"))
			}

			if ev.Kind != docs.SyncFinished || !ev.Initiated {
				continue
			}

			if _, ok := pending[ev.Session]; !ok {
				continue
			}
			delete(pending, ev.Session)

			if ev.Err == nil {
				return nil
			}

			errs = multierr.Append(errs, fmt.Errorf("peer %s:\n%w", ev.Peer.FmtShort(), ev.Err))
			if len(pending) == 0 {
				return errs
			}
		}
	}
}

// transition reports a state change.
func (e *Engine) transition(id ids.NamespaceID, s State) {
	logger.Debug("fetch state", "replica", id.FmtShort(), "state", s)

	if e.onState != nil {
		e.onState(id, s)
	}
}
