package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/queue"
)

// Pools is the slice of the worker manager the service drives: pools come
// up when a campaign starts sending and go down when it ends.
type Pools interface {
	StartCampaign(ctx context.Context, c *domain.Campaign)
	StopCampaign(campaignID string)
}

// enqueueChunk bounds one COPY batch during materialization.
const enqueueChunk = 1000

// Service implements the campaign state machine. All public methods are
// safe for concurrent use if the repository and queue store are.
type Service struct {
	repo          Repository
	store         queue.Store
	pools         Pools
	maxQueueDepth int
}

// NewService creates a campaign service. pools may be nil (tests that only
// exercise transitions). maxQueueDepth <= 0 disables the backpressure guard.
func NewService(repo Repository, store queue.Store, pools Pools, maxQueueDepth int) *Service {
	return &Service{repo: repo, store: store, pools: pools, maxQueueDepth: maxQueueDepth}
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, error) {
	return s.repo.List(ctx, f)
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name        string `json:"name"`
	Subject     string `json:"subject"`
	FromName    string `json:"from_name"`
	FromEmail   string `json:"from_email"`
	HTMLContent string `json:"html_content"`
	SendRate    int    `json:"send_rate"`
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Campaign, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if input.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if input.FromEmail == "" {
		return nil, fmt.Errorf("from_email is required")
	}
	if input.SendRate <= 0 {
		return nil, fmt.Errorf("send_rate must be positive")
	}

	c := &domain.Campaign{
		ID:          uuid.New().String(),
		Name:        input.Name,
		Subject:     input.Subject,
		FromName:    input.FromName,
		FromEmail:   input.FromEmail,
		HTMLContent: input.HTMLContent,
		Status:      domain.CampaignDraft,
		SendRate:    input.SendRate,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Start materializes the recipient list into the send queue and begins
// dispatch. Starting an already-sending campaign is a no-op. A campaign
// stranded in queued by a crashed start is accepted and rebuilt.
func (s *Service) Start(ctx context.Context, id string) (int, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	switch c.Status {
	case domain.CampaignSending:
		return c.TotalRecipients, nil
	case domain.CampaignDraft, domain.CampaignQueued:
	default:
		return 0, fmt.Errorf("start from %s: %w", c.Status, ErrInvalidTransition)
	}

	if s.maxQueueDepth > 0 {
		depth, err := s.store.Depth(ctx)
		if err != nil {
			return 0, fmt.Errorf("queue depth check: %w", err)
		}
		if depth >= s.maxQueueDepth {
			return 0, ErrQueueSaturated
		}
	}

	subs, err := s.repo.ActiveSubscribers(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(subs) == 0 {
		return 0, ErrNoRecipients
	}

	if c.Status == domain.CampaignDraft {
		if err := s.repo.Transition(ctx, id, []domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignQueued); err != nil {
			return 0, err
		}
	} else {
		// The previous start died between transitions, so the queue may
		// hold a partial batch. Rebuild it from scratch.
		purged, err := s.store.PurgeCampaign(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("purge stale queue: %w", err)
		}
		if purged > 0 {
			log.Printf("[campaign.Service] campaign %s: purged %d stale tasks before restart", id, purged)
		}
	}

	if err := s.materialize(ctx, id, subs); err != nil {
		// The queue may hold a partial batch; fail the campaign rather
		// than dispatch an unknown subset.
		if rbErr := s.repo.Transition(ctx, id,
			[]domain.CampaignStatus{domain.CampaignQueued}, domain.CampaignFailed); rbErr != nil {
			log.Printf("[campaign.Service] campaign %s: rollback to failed: %v", id, rbErr)
		}
		return 0, fmt.Errorf("materialize queue: %w", err)
	}

	if err := s.repo.SetTotals(ctx, id, len(subs)); err != nil {
		return 0, fmt.Errorf("record totals: %w", err)
	}
	if err := s.repo.Transition(ctx, id, []domain.CampaignStatus{domain.CampaignQueued}, domain.CampaignSending); err != nil {
		return 0, err
	}
	if err := s.repo.MarkStarted(ctx, id); err != nil {
		return 0, fmt.Errorf("mark started: %w", err)
	}

	if s.pools != nil {
		c, err := s.repo.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		s.pools.StartCampaign(ctx, c)
	}

	log.Printf("[campaign.Service] campaign %s: enqueued %d recipients", id, len(subs))
	return len(subs), nil
}

func (s *Service) materialize(ctx context.Context, campaignID string, subs []*domain.Subscriber) error {
	for start := 0; start < len(subs); start += enqueueChunk {
		end := start + enqueueChunk
		if end > len(subs) {
			end = len(subs)
		}
		tasks := make([]*domain.SendTask, 0, end-start)
		for _, sub := range subs[start:end] {
			tasks = append(tasks, queue.NewTask(campaignID, sub))
		}
		if err := s.store.Enqueue(ctx, tasks); err != nil {
			return err
		}
	}
	return nil
}

// Pause halts dispatch. In-flight leases are released back to pending so a
// resume (or another worker process) can pick them up immediately.
func (s *Service) Pause(ctx context.Context, id string) error {
	err := s.repo.Transition(ctx, id, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignPaused)
	if err != nil {
		return err
	}
	released, err := s.store.ReleaseCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("release leases: %w", err)
	}
	log.Printf("[campaign.Service] campaign %s: paused, released %d in-flight tasks", id, released)
	return nil
}

// Resume returns a paused campaign to sending. Resuming a campaign that is
// already sending is a no-op.
func (s *Service) Resume(ctx context.Context, id string) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == domain.CampaignSending {
		return nil
	}
	if err := s.repo.Transition(ctx, id, []domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignSending); err != nil {
		return err
	}
	if s.pools != nil {
		// After a process restart no pool exists for the campaign yet.
		c.Status = domain.CampaignSending
		s.pools.StartCampaign(ctx, c)
	}
	log.Printf("[campaign.Service] campaign %s: resumed", id)
	return nil
}

// Cancel aborts an active campaign. Terminal and irreversible.
func (s *Service) Cancel(ctx context.Context, id string) error {
	active := []domain.CampaignStatus{domain.CampaignQueued, domain.CampaignSending, domain.CampaignPaused}
	if err := s.repo.Transition(ctx, id, active, domain.CampaignFailed); err != nil {
		return err
	}
	if s.pools != nil {
		s.pools.StopCampaign(id)
	}
	if _, err := s.store.ReleaseCampaign(ctx, id); err != nil {
		log.Printf("[campaign.Service] campaign %s: release after cancel: %v", id, err)
	}
	if err := s.repo.MarkCompleted(ctx, id); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	log.Printf("[campaign.Service] campaign %s: cancelled", id)
	return nil
}

// CompleteIfDrained transitions a sending campaign to completed once its
// queue holds no more dispatchable work. Invoked by the pool manager's
// drain watcher; safe to call repeatedly.
func (s *Service) CompleteIfDrained(ctx context.Context, id string) error {
	counts, err := s.store.Counts(ctx, id)
	if err != nil {
		return fmt.Errorf("queue counts: %w", err)
	}
	if counts.Remaining() > 0 {
		return nil
	}

	err = s.repo.Transition(ctx, id, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignCompleted)
	if errors.Is(err, ErrInvalidTransition) {
		// Already terminal, or paused with an empty queue.
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.repo.MarkCompleted(ctx, id); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if counts.DeadLetter > 0 {
		log.Printf("[campaign.Service] campaign %s: completed with partial failure (sent=%d dlq=%d)",
			id, counts.Sent, counts.DeadLetter)
	} else {
		log.Printf("[campaign.Service] campaign %s: completed (sent=%d)", id, counts.Sent)
	}
	return nil
}
