package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/queue"
	"github.com/ignite/dispatch/internal/ratelimit"
	"github.com/ignite/dispatch/internal/sender"
)

// LimiterFactory builds the rate limiter for one campaign at its configured
// send rate. Production wires the Redis limiter; tests wire the local one.
type LimiterFactory func(campaignID string, ratePerMinute int) ratelimit.Limiter

// DrainedFunc is invoked once when a campaign's queue has fully drained
// (no pending, processing or retry-scheduled tasks remain).
type DrainedFunc func(ctx context.Context, campaignID string) error

// Manager owns the pool lifecycle: one pool per active campaign, started on
// demand and torn down when the campaign drains, pauses into oblivion, or
// the process shuts down.
type Manager struct {
	store     queue.Store
	campaigns CampaignSource
	transport sender.Sender
	render    *Renderer
	limiters  LimiterFactory
	cfg       Config
	onDrained DrainedFunc

	sweepInterval time.Duration

	mu    sync.Mutex
	pools map[string]*managedPool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type managedPool struct {
	pool    *Pool
	limiter ratelimit.Limiter
}

// NewManager wires a manager. onDrained may be nil.
func NewManager(store queue.Store, campaigns CampaignSource, transport sender.Sender,
	render *Renderer, limiters LimiterFactory, cfg Config, onDrained DrainedFunc) *Manager {
	return &Manager{
		store:         store,
		campaigns:     campaigns,
		transport:     transport,
		render:        render,
		limiters:      limiters,
		cfg:           cfg,
		onDrained:     onDrained,
		sweepInterval: 2 * time.Second,
		pools:         make(map[string]*managedPool),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start runs the drain watcher until Stop.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

// StartCampaign spins up a pool for the campaign if one is not already
// running. Idempotent.
func (m *Manager) StartCampaign(ctx context.Context, c *domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[c.ID]; ok {
		return
	}

	limiter := m.limiters(c.ID, c.SendRate)
	pool := NewPool(c.ID, m.store, limiter, m.transport, m.campaigns, m.render, m.cfg)
	m.pools[c.ID] = &managedPool{pool: pool, limiter: limiter}
	pool.Start(ctx)
}

// StopCampaign tears down the campaign's pool, waiting for in-flight sends.
// Idempotent; no-op when no pool is running.
func (m *Manager) StopCampaign(campaignID string) {
	m.mu.Lock()
	mp, ok := m.pools[campaignID]
	delete(m.pools, campaignID)
	m.mu.Unlock()

	if !ok {
		return
	}
	mp.pool.Stop()
	log.Printf("[Manager] campaign %s: pool stopped %+v", campaignID, mp.pool.Stats())
}

// Stats returns the pool counters for a campaign, if a pool is running.
func (m *Manager) Stats(campaignID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.pools[campaignID]
	if !ok {
		return Stats{}, false
	}
	return mp.pool.Stats(), true
}

// Limiter returns the campaign's limiter, if a pool is running.
func (m *Manager) Limiter(campaignID string) (ratelimit.Limiter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.pools[campaignID]
	if !ok {
		return nil, false
	}
	return mp.limiter, true
}

// Running reports whether a pool exists for the campaign.
func (m *Manager) Running(campaignID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pools[campaignID]
	return ok
}

// Stop tears down every pool and the watcher.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	pools := make([]*managedPool, 0, len(m.pools))
	for id, mp := range m.pools {
		pools = append(pools, mp)
		delete(m.pools, id)
	}
	m.mu.Unlock()

	for _, mp := range pools {
		mp.pool.Stop()
	}
}

// sweep checks every running pool's queue for drain. A campaign is drained
// when no task can still reach a terminal state.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		counts, err := m.store.Counts(ctx, id)
		if err != nil {
			log.Printf("[Manager] campaign %s: drain check failed: %v", id, err)
			continue
		}
		if counts.Remaining() > 0 {
			continue
		}

		// Skip drained-but-paused campaigns: retry tasks may come back
		// when the campaign resumes.
		c, err := m.campaigns.Get(ctx, id)
		if err == nil && c.Status == domain.CampaignPaused {
			continue
		}

		log.Printf("[Manager] campaign %s: queue drained (sent=%d dlq=%d)", id, counts.Sent, counts.DeadLetter)
		m.StopCampaign(id)
		if m.onDrained != nil {
			if err := m.onDrained(ctx, id); err != nil {
				log.Printf("[Manager] campaign %s: completion callback failed: %v", id, err)
			}
		}
	}
}
