// Package memory holds in-memory repositories for tests and single-node
// development. Semantics mirror the Postgres implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository in memory.
type CampaignRepo struct {
	mu          sync.Mutex
	campaigns   map[string]*domain.Campaign
	subscribers map[string]*domain.Subscriber
}

// NewCampaignRepo creates an empty in-memory repository.
func NewCampaignRepo() *CampaignRepo {
	return &CampaignRepo{
		campaigns:   make(map[string]*domain.Campaign),
		subscribers: make(map[string]*domain.Subscriber),
	}
}

// AddSubscriber seeds a recipient.
func (r *CampaignRepo) AddSubscriber(s *domain.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.subscribers[s.ID] = &cp
}

// SetUnsubscribed flips a subscriber's preference flag by email. Reports
// whether the address was known.
func (r *CampaignRepo) SetUnsubscribed(email string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subscribers {
		if s.Email == email {
			s.Unsubscribed = true
			return true
		}
	}
	return false
}

func (r *CampaignRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) List(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Campaign
	for _, c := range r.campaigns {
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *CampaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *CampaignRepo) Transition(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	for _, st := range from {
		if c.Status == st {
			c.Status = to
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return campaign.ErrInvalidTransition
}

func (r *CampaignRepo) SetTotals(_ context.Context, id string, totalRecipients int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	c.TotalRecipients = totalRecipients
	c.UpdatedAt = time.Now()
	return nil
}

func (r *CampaignRepo) MarkStarted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.StartedAt == nil {
		now := time.Now()
		c.StartedAt = &now
	}
	return nil
}

func (r *CampaignRepo) MarkCompleted(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	now := time.Now()
	c.CompletedAt = &now
	return nil
}

func (r *CampaignRepo) ActiveSubscribers(_ context.Context) ([]*domain.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Subscriber
	for _, s := range r.subscribers {
		if !s.Unsubscribed {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ campaign.Repository = (*CampaignRepo)(nil)
