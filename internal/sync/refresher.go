package sync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"okufs/internal/logger"
	"okufs/internal/ticket"
)

const (
	// defaultRefreshInterval is the default interval between refresh passes.
	defaultRefreshInterval = 15 * time.Minute

	// refreshTimeout bounds the sync of one replica during a pass.
	refreshTimeout = 2 * time.Minute
)

// Refresher periodically re-syncs every replica held read-only, so that
// followed replicas pick up their writers' changes.
type Refresher struct {
	engine   *Engine
	interval time.Duration
	clock    clock.Clock

	mu     sync.Mutex
	passes uint64 // completed refresh passes

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRefresher creates a refresher. A zero interval uses the default.
func NewRefresher(engine *Engine, interval time.Duration, clk clock.Clock) *Refresher {
	if interval == 0 {
		interval = defaultRefreshInterval
	}

	if clk == nil {
		clk = clock.New()
	}

	return &Refresher{
		engine:   engine,
		interval: interval,
		clock:    clk,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic refresh loop.
func (r *Refresher) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop stops the refresher and waits for the current pass to finish.
func (r *Refresher) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Passes returns the number of completed refresh passes.
func (r *Refresher) Passes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.passes
}

// loop runs a refresh pass once per interval.
func (r *Refresher) loop() {
	defer r.wg.Done()

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

// refresh syncs every read-only replica, logging failures.
func (r *Refresher) refresh() {
	infos, err := r.engine.replicas.List()
	if err != nil {
		logger.Error("list replicas for refresh", "error", err)
		return
	}

	synced := 0
	for _, info := range infos {
		if info.Kind != ticket.Read {
			continue
		}

		select {
		case <-r.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		err := r.engine.SyncReplica(ctx, info.ID)
		cancel()

		if err != nil {
			logger.Warn("refresh replica", "replica", info.ID.FmtShort(), "error", err)
			continue
		}
		synced++
	}

	r.mu.Lock()
	r.passes++
	r.mu.Unlock()

	logger.Debug("refresh pass finished",
		"replicas", len(infos),
		"synced", synced,
	)
}
