package docs

import (
	"sync"

	"okufs/internal/ids"
)

// subscriberBuffer is the channel capacity of each subscription.
const subscriberBuffer = 256

// EventKind identifies a replica event.
type EventKind uint8

const (
	// InsertLocal is emitted when this node writes an entry.
	InsertLocal EventKind = iota
	// InsertRemote is emitted when an entry from a peer is stored.
	InsertRemote
	// ContentReady is emitted when the content of a remote entry is available.
	ContentReady
	// SyncFinished is emitted when a sync session with a peer ends.
	SyncFinished
)

func (k EventKind) String() string {
	switch k {
	case InsertLocal:
		return "insert-local"
	case InsertRemote:
		return "insert-remote"
	case ContentReady:
		return "content-ready"
	case SyncFinished:
		return "sync-finished"
	default:
		return "unknown"
	}
}

// SessionID identifies one sync session this node initiated.
type SessionID uint64

// Event is a replica change or sync notification.
type Event struct {
	Kind      EventKind  // Kind is the event type
	Entry     Entry      // Entry is set for insert events
	Hash      ids.Hash   // Hash is set for ContentReady
	Peer      ids.NodeID // Peer is the remote node for remote events
	Initiated bool       // Initiated is true when this node started the sync
	Session   SessionID  // Session is the initiated session that finished
	Err       error      // Err is the sync failure, nil on success
}

// subscriber is one open subscription.
type subscriber struct {
	ch   chan Event    // ch delivers events
	done chan struct{} // done is closed on unsubscribe
	once sync.Once     // once guards done
}

// subscribers fans events out per namespace.
type subscribers struct {
	mu   sync.Mutex
	subs map[ids.NamespaceID][]*subscriber
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[ids.NamespaceID][]*subscriber)}
}

// add registers a subscription and returns its channel and cancel function.
func (s *subscribers) add(ns ids.NamespaceID) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[ns] = append(s.subs[ns], sub)
	s.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			close(sub.done)

			s.mu.Lock()
			defer s.mu.Unlock()

			list := s.subs[ns]
			for i, other := range list {
				if other == sub {
					s.subs[ns] = append(list[:i:i], list[i+1:]...)
					break
				}
			}

			if len(s.subs[ns]) == 0 {
				delete(s.subs, ns)
			}
		})
	}

	return sub.ch, cancel
}

// snapshot returns the current subscribers of ns.
func (s *subscribers) snapshot(ns ids.NamespaceID) []*subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*subscriber(nil), s.subs[ns]...)
}

// publish delivers ev. Insert events are dropped for subscribers that are
// not keeping up; SyncFinished waits until delivered, the subscriber leaves
// or stop is closed.
func (s *subscribers) publish(ns ids.NamespaceID, ev Event, stop <-chan struct{}) {
	for _, sub := range s.snapshot(ns) {
		if ev.Kind != SyncFinished {
			select {
			case sub.ch <- ev:
			case <-sub.done:
			default:
			}
			continue
		}

		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-stop:
			return
		}
	}
}
