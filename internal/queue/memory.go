package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch/internal/domain"
)

// MemoryStore is the in-memory queue used for single-node development and
// tests. It mirrors PostgresStore semantics exactly, including the claim
// token check on Ack/Nack/Release.
type MemoryStore struct {
	mu     sync.Mutex
	policy Policy
	tasks  map[string]*domain.SendTask
	sends  []*domain.EmailSend
	events []*domain.EmailEvent

	sentCount   map[string]int
	bounceCount map[string]int

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory queue with the given policy.
func NewMemoryStore(policy Policy) *MemoryStore {
	return &MemoryStore{
		policy:      policy,
		tasks:       make(map[string]*domain.SendTask),
		sentCount:   make(map[string]int),
		bounceCount: make(map[string]int),
		now:         time.Now,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, tasks []*domain.SendTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		cp := *t
		s.tasks[t.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) Lease(_ context.Context, campaignID, workerID string, limit int) ([]*domain.SendTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*domain.SendTask
	for _, t := range s.tasks {
		if t.CampaignID != campaignID {
			continue
		}
		if t.State != domain.TaskPending && t.State != domain.TaskFailedRetry {
			continue
		}
		if t.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	leased := make([]*domain.SendTask, 0, len(due))
	for _, t := range due {
		t.State = domain.TaskProcessing
		t.WorkerID = workerID
		leasedAt := now
		t.LeasedAt = &leasedAt
		cp := *t
		leased = append(leased, &cp)
	}
	return leased, nil
}

func (s *MemoryStore) Ack(_ context.Context, task *domain.SendTask, messageID, trackingID string) (*domain.EmailSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.owned(task)
	if !ok {
		return nil, ErrLeaseLost
	}

	cur.State = domain.TaskSent
	cur.LastError = ""
	cur.LeasedAt = nil

	send := &domain.EmailSend{
		ID:           uuid.New().String(),
		CampaignID:   task.CampaignID,
		SubscriberID: task.SubscriberID,
		Email:        task.Email,
		TrackingID:   trackingID,
		MessageID:    messageID,
		SentAt:       s.now().UTC(),
	}
	s.sends = append(s.sends, send)
	s.events = append(s.events, &domain.EmailEvent{
		ID:         uuid.New().String(),
		SendID:     send.ID,
		CampaignID: send.CampaignID,
		EventType:  domain.EventSent,
		CreatedAt:  send.SentAt,
	})
	s.sentCount[task.CampaignID]++

	cp := *send
	return &cp, nil
}

func (s *MemoryStore) Nack(_ context.Context, task *domain.SendTask, cause error) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.owned(task)
	if !ok {
		return "", ErrLeaseLost
	}

	attempt := cur.Attempts + 1
	outcome := s.policy.Decide(attempt, cause)

	cur.Attempts = attempt
	cur.LastError = truncateError(cause)
	cur.WorkerID = ""
	cur.LeasedAt = nil

	if outcome == OutcomeRetry {
		cur.State = domain.TaskFailedRetry
		cur.NextAttemptAt = s.now().UTC().Add(s.policy.NextDelay(attempt))
	} else {
		cur.State = domain.TaskDeadLetter
		s.bounceCount[cur.CampaignID]++
		s.events = append(s.events, &domain.EmailEvent{
			ID:         uuid.New().String(),
			CampaignID: cur.CampaignID,
			EventType:  domain.EventBounced,
			Metadata:   cur.LastError,
			CreatedAt:  s.now().UTC(),
		})
	}
	return outcome, nil
}

func (s *MemoryStore) Release(_ context.Context, task *domain.SendTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.owned(task)
	if !ok {
		return ErrLeaseLost
	}
	cur.State = domain.TaskPending
	cur.WorkerID = ""
	cur.LeasedAt = nil
	return nil
}

func (s *MemoryStore) ReleaseCampaign(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, t := range s.tasks {
		if t.CampaignID == campaignID && t.State == domain.TaskProcessing {
			t.State = domain.TaskPending
			t.WorkerID = ""
			t.LeasedAt = nil
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) ReclaimExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for _, t := range s.tasks {
		if t.State == domain.TaskProcessing && t.LeasedAt != nil && t.LeasedAt.Before(cutoff) {
			t.State = domain.TaskPending
			t.WorkerID = ""
			t.LeasedAt = nil
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) PurgeCampaign(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, t := range s.tasks {
		if t.CampaignID == campaignID && t.State != domain.TaskSent {
			delete(s.tasks, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Counts(_ context.Context, campaignID string) (domain.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts domain.QueueCounts
	for _, t := range s.tasks {
		if t.CampaignID != campaignID {
			continue
		}
		switch t.State {
		case domain.TaskPending:
			counts.Pending++
		case domain.TaskProcessing:
			counts.Processing++
		case domain.TaskFailedRetry:
			counts.FailedRetry++
		case domain.TaskDeadLetter:
			counts.DeadLetter++
		case domain.TaskSent:
			counts.Sent++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Depth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	for _, t := range s.tasks {
		switch t.State {
		case domain.TaskPending, domain.TaskProcessing, domain.TaskFailedRetry:
			depth++
		}
	}
	return depth, nil
}

func (s *MemoryStore) ThroughputPerMinute(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Minute)
	n := 0
	for _, send := range s.sends {
		if send.CampaignID == campaignID && send.SentAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// Sends returns the recorded send records for a campaign, in send order.
func (s *MemoryStore) Sends(campaignID string) []*domain.EmailSend {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.EmailSend
	for _, send := range s.sends {
		if send.CampaignID == campaignID {
			cp := *send
			out = append(out, &cp)
		}
	}
	return out
}

// Events returns the recorded events for a campaign, in append order.
func (s *MemoryStore) Events(campaignID string) []*domain.EmailEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.EmailEvent
	for _, ev := range s.events {
		if ev.CampaignID == campaignID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

// SentCount returns the campaign counter maintained by Ack.
func (s *MemoryStore) SentCount(campaignID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentCount[campaignID]
}

// BounceCount returns the campaign counter maintained by Nack.
func (s *MemoryStore) BounceCount(campaignID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounceCount[campaignID]
}

// Task returns a copy of one task by ID, or nil.
func (s *MemoryStore) Task(id string) *domain.SendTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// owned returns the live task if the caller still holds its lease.
func (s *MemoryStore) owned(task *domain.SendTask) (*domain.SendTask, bool) {
	cur, ok := s.tasks[task.ID]
	if !ok || cur.State != domain.TaskProcessing || cur.WorkerID != task.WorkerID {
		return nil, false
	}
	return cur, true
}

var _ Store = (*MemoryStore)(nil)
