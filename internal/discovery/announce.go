package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"okufs/internal/dht"
	"okufs/internal/ids"
	"okufs/internal/logger"
	"okufs/internal/metrics"
	"okufs/internal/ticket"
	"okufs/internal/watch"
)

// AnnounceReplicas publishes a read-only ticket for every held replica and
// joins each replica's swarm. Failures of individual replicas are combined.
func (s *Service) AnnounceReplicas(ctx context.Context) error {
	infos, err := s.replicas.List()
	if err != nil {
		return fmt.Errorf("announce replicas:\n%w", err)
	}

	var errs error
	for _, info := range infos {
		err := s.announce(ctx, info.ID)
		metrics.Announces.WithLabelValues(metrics.Result(err)).Inc()
		errs = multierr.Append(errs, err)
	}

	return errs
}

// announce publishes one replica.
func (s *Service) announce(ctx context.Context, id ids.NamespaceID) error {
	t, err := s.replicas.ShareReplica(id, ticket.ShareRead)
	if err != nil {
		return fmt.Errorf("share %s:\n%w", id.FmtShort(), err)
	}

	if len(t.Nodes) == 0 && s.net != nil {
		t.Nodes = []ids.NodeAddr{s.net.Addr()}
	}

	value, err := ticket.EncodeDocTicket(t)
	if err != nil {
		return fmt.Errorf("encode ticket %s:\n%w", id.FmtShort(), err)
	}

	if err := s.dht.PutMutable(ctx, dht.MutableTarget(id), value); err != nil {
		return fmt.Errorf("publish ticket %s:\n%w", id.FmtShort(), err)
	}

	if err := s.dht.AnnouncePeer(ctx, dht.InfoHash(id)); err != nil {
		return fmt.Errorf("announce swarm %s:\n%w", id.FmtShort(), err)
	}

	return nil
}

// Run announces every replica after InitialPublishDelay and then once per
// RepublishDelay until ctx is done.
func (s *Service) Run(ctx context.Context) {
	for {
		if !s.sleep(ctx, InitialPublishDelay) {
			return
		}

		start := time.Now()
		if err := s.AnnounceReplicas(ctx); err != nil {
			logger.Error("announce failed", "error", err)
		} else {
			logger.Info("announced all replicas", logger.Timed(start))
		}

		if !s.sleep(ctx, RepublishDelay-InitialPublishDelay) {
			return
		}
	}
}

// AnnounceOnChange re-announces every replica InitialPublishDelay after each
// change reported by n, so new and fetched replicas do not wait for the
// next republish. Changes arriving during the delay are folded into one
// announcement.
func (s *Service) AnnounceOnChange(ctx context.Context, n *watch.Notifier) {
	changed := n.Changed()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}

		if !s.sleep(ctx, InitialPublishDelay) {
			return
		}

		changed = n.Changed()

		if err := s.AnnounceReplicas(ctx); err != nil {
			logger.Warn("announce after change failed", "error", err)
		} else {
			logger.Debug("announced replicas after change")
		}
	}
}

// sleep waits d on the service clock and reports whether ctx is still live.
func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}
