// Package worker contains the dispatch workers: per-campaign pools that
// lease tasks from the durable queue, pass the rate limiter, hand messages
// to the transport and record the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/queue"
	"github.com/ignite/dispatch/internal/ratelimit"
	"github.com/ignite/dispatch/internal/sender"
)

// CampaignSource looks up the current campaign record. The pool re-reads the
// status every cycle so a pause lands within one lease cycle.
type CampaignSource interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// Config tunes one pool.
type Config struct {
	NumWorkers   int
	BatchSize    int
	PollInterval time.Duration
	// MaxThrottleSleep caps how long a worker sleeps on a limiter denial,
	// so a long wait hint cannot make the pool unresponsive to pause.
	MaxThrottleSleep time.Duration
}

// DefaultConfig matches the engine defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:       4,
		BatchSize:        10,
		PollInterval:     time.Second,
		MaxThrottleSleep: 5 * time.Second,
	}
}

// Stats is a point-in-time snapshot of one pool's counters.
type Stats struct {
	Sent         int64 `json:"sent"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Throttled    int64 `json:"throttled"`
	LeaseLost    int64 `json:"lease_lost"`
}

// Pool runs the send workers for one campaign. Every worker follows the
// same cycle: check campaign status, lease a batch, then for each task pass
// the rate limiter, send, and ack or nack. The pool's lifetime is bounded by
// its campaign: Stop drains the workers, and a terminal campaign status
// makes them exit on their own.
type Pool struct {
	campaignID string
	store      queue.Store
	limiter    ratelimit.Limiter
	transport  sender.Sender
	campaigns  CampaignSource
	render     *Renderer
	cfg        Config

	sent         atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	throttled    atomic.Int64
	leaseLost    atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool wires a pool for one campaign. It does not start any workers.
func NewPool(campaignID string, store queue.Store, limiter ratelimit.Limiter,
	transport sender.Sender, campaigns CampaignSource, render *Renderer, cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxThrottleSleep <= 0 {
		cfg.MaxThrottleSleep = 5 * time.Second
	}
	return &Pool{
		campaignID: campaignID,
		store:      store,
		limiter:    limiter,
		transport:  transport,
		campaigns:  campaigns,
		render:     render,
		cfg:        cfg,
		stop:       make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("[Pool] campaign %s: starting %d workers (batch=%d rate=%d/min)",
		p.campaignID, p.cfg.NumWorkers, p.cfg.BatchSize, p.limiter.Rate())
	for i := 0; i < p.cfg.NumWorkers; i++ {
		workerID := fmt.Sprintf("%s-w%d-%s", p.campaignID, i, uuid.New().String()[:8])
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
}

// Stop signals the workers and waits for in-flight sends to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Stats returns the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Sent:         p.sent.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Throttled:    p.throttled.Load(),
		LeaseLost:    p.leaseLost.Load(),
	}
}

// CampaignID returns the campaign this pool serves.
func (p *Pool) CampaignID() string { return p.campaignID }

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	for {
		if p.stopped(ctx) {
			return
		}

		c, err := p.campaigns.Get(ctx, p.campaignID)
		if err != nil {
			log.Printf("[Pool] worker %s: campaign lookup failed: %v", workerID, err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if c.IsTerminal() {
			return
		}
		if c.Status != domain.CampaignSending {
			// Paused or still queued: idle without leasing so nothing
			// is held mid-flight.
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		tasks, err := p.store.Lease(ctx, p.campaignID, workerID, p.cfg.BatchSize)
		if err != nil {
			log.Printf("[Pool] worker %s: lease failed: %v", workerID, err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if len(tasks) == 0 {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.processBatch(ctx, c, tasks)
	}
}

// processBatch works through one leased batch. On a limiter denial the
// remaining tasks go straight back to pending: holding leases through a
// throttle window would just delay recovery if this worker dies.
func (p *Pool) processBatch(ctx context.Context, c *domain.Campaign, tasks []*domain.SendTask) {
	for i, task := range tasks {
		if p.stopped(ctx) {
			p.releaseAll(ctx, tasks[i:])
			return
		}

		d, err := p.limiter.TryAcquire(ctx)
		if err != nil {
			log.Printf("[Pool] campaign %s: limiter error: %v", p.campaignID, err)
			p.releaseAll(ctx, tasks[i:])
			p.sleep(ctx, p.cfg.PollInterval)
			return
		}
		if !d.Allowed {
			p.throttled.Add(1)
			p.releaseAll(ctx, tasks[i:])
			wait := d.Wait
			if wait > p.cfg.MaxThrottleSleep {
				wait = p.cfg.MaxThrottleSleep
			}
			p.sleep(ctx, wait)
			return
		}

		p.dispatch(ctx, c, task)
	}
}

// dispatch performs one send and records the outcome. The send itself runs
// outside any lock or transaction; only the outcome write is transactional.
func (p *Pool) dispatch(ctx context.Context, c *domain.Campaign, task *domain.SendTask) {
	trackingID := uuid.New().String()
	msg := p.render.Render(c, task, trackingID)

	res, sendErr := p.transport.Send(ctx, msg)
	if sendErr != nil {
		outcome, err := p.store.Nack(ctx, task, sendErr)
		if errors.Is(err, queue.ErrLeaseLost) {
			p.leaseLost.Add(1)
			return
		}
		if err != nil {
			log.Printf("[Pool] campaign %s: nack task %s failed: %v", p.campaignID, task.ID, err)
			return
		}
		switch outcome {
		case queue.OutcomeRetry:
			p.retried.Add(1)
		case queue.OutcomeDeadLetter:
			p.deadLettered.Add(1)
			log.Printf("[Pool] campaign %s: task %s dead-lettered after %d attempts: %v",
				p.campaignID, task.ID, task.Attempts+1, sendErr)
		}
		return
	}

	if _, err := p.store.Ack(ctx, task, res.MessageID, trackingID); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			p.leaseLost.Add(1)
			return
		}
		log.Printf("[Pool] campaign %s: ack task %s failed: %v", p.campaignID, task.ID, err)
		return
	}
	p.sent.Add(1)
}

func (p *Pool) releaseAll(ctx context.Context, tasks []*domain.SendTask) {
	for _, task := range tasks {
		if err := p.store.Release(ctx, task); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
			log.Printf("[Pool] campaign %s: release task %s failed: %v", p.campaignID, task.ID, err)
		}
	}
}

func (p *Pool) stopped(ctx context.Context) bool {
	select {
	case <-p.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.stop:
	case <-ctx.Done():
	}
}
