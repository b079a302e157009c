// Package progress is the read side of the engine: point-in-time snapshots
// of campaign delivery, assembled from the campaign record, the queue
// tallies and the rate limiter. It never writes anything.
package progress

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/queue"
	"github.com/ignite/dispatch/internal/ratelimit"
)

// CampaignGetter resolves a campaign by ID.
type CampaignGetter interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

// LimiterSource exposes the live rate limiter of a running campaign, if
// any. The worker manager implements it.
type LimiterSource interface {
	Limiter(campaignID string) (ratelimit.Limiter, bool)
}

// Snapshot is one observation of a campaign's delivery progress. The queue
// tallies always sum to TotalRecipients.
type Snapshot struct {
	CampaignID string                `json:"campaign_id"`
	Status     domain.CampaignStatus `json:"status"`

	TotalRecipients int `json:"total_recipients"`
	Sent            int `json:"sent"`
	Pending         int `json:"pending"`
	Processing      int `json:"processing"`
	FailedRetry     int `json:"failed_retry"`
	DeadLetter      int `json:"dlq"`

	// PercentComplete is round(sent/total*100). Dead-lettered tasks do
	// not count as delivered; DeadLetter is reported separately.
	PercentComplete float64 `json:"percent_complete"`
	// EmailsPerMinute is measured over the trailing 60s of actual sends,
	// not the configured rate.
	EmailsPerMinute int `json:"emails_per_minute"`
	// EstimatedSecondsRemaining is nil when throughput is zero and work
	// remains: a stalled campaign has no ETA, which is not the same as
	// a finished one reporting zero.
	EstimatedSecondsRemaining *int `json:"estimated_seconds_remaining"`
	// LastRateLimitWaitMs is the limiter's most recent wait hint,
	// passed through verbatim.
	LastRateLimitWaitMs int64 `json:"last_rate_limit_wait_ms"`

	OpenCount        int `json:"open_count"`
	UniqueOpens      int `json:"unique_opens"`
	ClickCount       int `json:"click_count"`
	UniqueClicks     int `json:"unique_clicks"`
	BounceCount      int `json:"bounce_count"`
	UnsubscribeCount int `json:"unsubscribe_count"`

	ObservedAt time.Time `json:"observed_at"`
}

// Aggregator assembles snapshots. limiters may be nil.
type Aggregator struct {
	campaigns CampaignGetter
	store     queue.Store
	limiters  LimiterSource
}

// NewAggregator wires an aggregator.
func NewAggregator(campaigns CampaignGetter, store queue.Store, limiters LimiterSource) *Aggregator {
	return &Aggregator{campaigns: campaigns, store: store, limiters: limiters}
}

// Snapshot observes one campaign.
func (a *Aggregator) Snapshot(ctx context.Context, campaignID string) (*Snapshot, error) {
	c, err := a.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := a.store.Counts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}
	throughput, err := a.store.ThroughputPerMinute(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("throughput: %w", err)
	}

	s := &Snapshot{
		CampaignID:       c.ID,
		Status:           c.Status,
		TotalRecipients:  c.TotalRecipients,
		Sent:             counts.Sent,
		Pending:          counts.Pending,
		Processing:       counts.Processing,
		FailedRetry:      counts.FailedRetry,
		DeadLetter:       counts.DeadLetter,
		EmailsPerMinute:  throughput,
		OpenCount:        c.OpenCount,
		UniqueOpens:      c.UniqueOpens,
		ClickCount:       c.ClickCount,
		UniqueClicks:     c.UniqueClicks,
		BounceCount:      c.BounceCount,
		UnsubscribeCount: c.UnsubscribeCount,
		ObservedAt:       time.Now().UTC(),
	}

	if c.TotalRecipients > 0 {
		s.PercentComplete = math.Round(float64(counts.Sent) / float64(c.TotalRecipients) * 100)
	}

	if remaining := counts.Remaining(); remaining == 0 {
		eta := 0
		s.EstimatedSecondsRemaining = &eta
	} else if throughput > 0 {
		eta := remaining * 60 / throughput
		s.EstimatedSecondsRemaining = &eta
	}

	if a.limiters != nil {
		if lim, ok := a.limiters.Limiter(campaignID); ok {
			s.LastRateLimitWaitMs = lim.LastWait().Milliseconds()
		}
	}

	return s, nil
}
