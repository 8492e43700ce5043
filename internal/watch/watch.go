// Package watch broadcasts "replicas changed" notifications. Only the fact
// that something changed is delivered; waiters that miss intermediate
// notifications observe the latest version.
package watch

import "sync"

// Notifier is a single-slot broadcast.
type Notifier struct {
	mu      sync.Mutex
	ch      chan struct{} // ch is closed on the next Notify
	version uint64        // version counts notifications
}

// New returns a notifier at version zero.
func New() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Notify wakes every current waiter.
func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.version++
	close(n.ch)
	n.ch = make(chan struct{})
}

// Changed returns a channel closed by the next Notify.
func (n *Notifier) Changed() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.ch
}

// Version returns the number of notifications so far.
func (n *Notifier) Version() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.version
}
