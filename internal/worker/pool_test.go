package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/queue"
	"github.com/ignite/dispatch/internal/ratelimit"
	"github.com/ignite/dispatch/internal/sender"
)

// stubCampaigns serves one campaign record with a mutable status.
type stubCampaigns struct {
	mu sync.Mutex
	c  domain.Campaign
}

func newStubCampaigns(id string, rate int) *stubCampaigns {
	return &stubCampaigns{c: domain.Campaign{
		ID: id, Name: "Test", Subject: "Hello", FromName: "Acme",
		FromEmail: "news@acme.test", HTMLContent: "<p>Hi</p>",
		Status: domain.CampaignSending, SendRate: rate,
	}}
}

func (s *stubCampaigns) Get(_ context.Context, _ string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.c
	return &cp, nil
}

func (s *stubCampaigns) setStatus(st domain.CampaignStatus) {
	s.mu.Lock()
	s.c.Status = st
	s.mu.Unlock()
}

// scriptSender returns a scripted outcome per recipient, then succeeds.
type scriptSender struct {
	mu       sync.Mutex
	failures map[string][]error // per-email queue of errors to return first
	sent     []string
}

func newScriptSender() *scriptSender {
	return &scriptSender{failures: make(map[string][]error)}
}

func (s *scriptSender) failNext(email string, errs ...error) {
	s.mu.Lock()
	s.failures[email] = append(s.failures[email], errs...)
	s.mu.Unlock()
}

func (s *scriptSender) Send(_ context.Context, msg *sender.Message) (*sender.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.failures[msg.Email]; len(q) > 0 {
		err := q[0]
		s.failures[msg.Email] = q[1:]
		return nil, err
	}
	s.sent = append(s.sent, msg.Email)
	return &sender.Result{MessageID: fmt.Sprintf("msg-%d", len(s.sent))}, nil
}

func (s *scriptSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// allowAfterDenials denies the first n acquires, then always allows.
type allowAfterDenials struct {
	mu      sync.Mutex
	denials int
	inner   *ratelimit.LocalLimiter
}

func newAllowAfterDenials(n int) *allowAfterDenials {
	return &allowAfterDenials{denials: n, inner: ratelimit.NewLocalLimiter(100000)}
}

func (l *allowAfterDenials) TryAcquire(ctx context.Context) (ratelimit.Decision, error) {
	l.mu.Lock()
	if l.denials > 0 {
		l.denials--
		l.mu.Unlock()
		return ratelimit.Decision{Allowed: false, Wait: time.Millisecond}, nil
	}
	l.mu.Unlock()
	return l.inner.TryAcquire(ctx)
}

func (l *allowAfterDenials) LastWait() time.Duration { return l.inner.LastWait() }
func (l *allowAfterDenials) Rate() int               { return l.inner.Rate() }

func seedQueue(t *testing.T, store *queue.MemoryStore, campaignID string, n int) {
	t.Helper()
	tasks := make([]*domain.SendTask, 0, n)
	for i := 0; i < n; i++ {
		sub := &domain.Subscriber{ID: fmt.Sprintf("sub-%d", i), Email: fmt.Sprintf("user%d@example.test", i)}
		tasks = append(tasks, queue.NewTask(campaignID, sub))
	}
	require.NoError(t, store.Enqueue(context.Background(), tasks))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func fastConfig() Config {
	return Config{NumWorkers: 3, BatchSize: 4, PollInterval: 5 * time.Millisecond, MaxThrottleSleep: 5 * time.Millisecond}
}

func fastPolicy() queue.Policy {
	return queue.Policy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestPool_DrainsQueue(t *testing.T) {
	store := queue.NewMemoryStore(fastPolicy())
	seedQueue(t, store, "camp-1", 25)
	campaigns := newStubCampaigns("camp-1", 100000)
	transport := newScriptSender()

	pool := NewPool("camp-1", store, ratelimit.NewLocalLimiter(100000), transport,
		campaigns, &Renderer{}, fastConfig())
	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		counts, _ := store.Counts(context.Background(), "camp-1")
		return counts.Sent == 25
	}, "all tasks sent")

	pool.Stop()
	counts, err := store.Counts(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 25, counts.Sent)
	assert.Equal(t, 0, counts.Remaining())
	assert.Equal(t, 25, store.SentCount("camp-1"))
	assert.Equal(t, int64(25), pool.Stats().Sent)

	// Every send produced a record with a tracking ID.
	sends := store.Sends("camp-1")
	require.Len(t, sends, 25)
	for _, s := range sends {
		assert.NotEmpty(t, s.TrackingID)
		assert.NotEmpty(t, s.MessageID)
	}
}

func TestPool_TransientFailureRetriesThenSends(t *testing.T) {
	store := queue.NewMemoryStore(fastPolicy())
	seedQueue(t, store, "camp-1", 1)
	campaigns := newStubCampaigns("camp-1", 100000)
	transport := newScriptSender()
	transport.failNext("user0@example.test", sender.Errorf(sender.ErrTransient, "timeout"))

	pool := NewPool("camp-1", store, ratelimit.NewLocalLimiter(100000), transport,
		campaigns, &Renderer{}, fastConfig())
	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		counts, _ := store.Counts(context.Background(), "camp-1")
		return counts.Sent == 1
	}, "task retried and sent")

	pool.Stop()
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Retried)
	assert.Equal(t, int64(0), stats.DeadLettered)
}

func TestPool_PermanentFailureDeadLetters(t *testing.T) {
	store := queue.NewMemoryStore(fastPolicy())
	seedQueue(t, store, "camp-1", 2)
	campaigns := newStubCampaigns("camp-1", 100000)
	transport := newScriptSender()
	transport.failNext("user0@example.test", sender.Errorf(sender.ErrInvalidRecipient, "no such mailbox"))

	pool := NewPool("camp-1", store, ratelimit.NewLocalLimiter(100000), transport,
		campaigns, &Renderer{}, fastConfig())
	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		counts, _ := store.Counts(context.Background(), "camp-1")
		return counts.Remaining() == 0
	}, "queue drained")

	pool.Stop()
	counts, _ := store.Counts(context.Background(), "camp-1")
	assert.Equal(t, 1, counts.Sent)
	assert.Equal(t, 1, counts.DeadLetter)
	assert.Equal(t, 1, store.BounceCount("camp-1"))
	assert.Equal(t, int64(1), pool.Stats().DeadLettered)
}

func TestPool_ExhaustedRetriesDeadLetter(t *testing.T) {
	store := queue.NewMemoryStore(fastPolicy()) // 3 total attempts
	seedQueue(t, store, "camp-1", 1)
	campaigns := newStubCampaigns("camp-1", 100000)
	transport := newScriptSender()
	flaky := sender.Errorf(sender.ErrTransient, "5xx")
	transport.failNext("user0@example.test", flaky, flaky, flaky, flaky)

	pool := NewPool("camp-1", store, ratelimit.NewLocalLimiter(100000), transport,
		campaigns, &Renderer{}, fastConfig())
	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		counts, _ := store.Counts(context.Background(), "camp-1")
		return counts.DeadLetter == 1
	}, "task dead-lettered after budget")

	pool.Stop()
	assert.Equal(t, 0, transport.sentCount(), "no send may follow dead-lettering")
	assert.Equal(t, int64(2), pool.Stats().Retried)
}

func TestPool_PauseStopsDispatch(t *testing.T) {
	store := queue.NewMemoryStore(fastPolicy())
	seedQueue(t, store, "camp-1", 50)
	campaigns := newStubCampaigns("camp-1", 100000)
	transport := newScriptSender()

	pool := NewPool("camp-1", store, ratelimit.NewLocalLimiter(100000), transport,
		campaigns, &Renderer{}, fastConfig())
	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool { return transport.sentCount() >= 5 }, "some sends before pause")
	campaigns.setStatus(domain.CampaignPaused)

	// After at most one poll cycle the workers idle; no new sends land.
	time.Sleep(50 * time.Millisecond)
	sentAtPause := transport.sentCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sentAtPause, transport.sentCount(), "no dispatch while paused")

	counts, _ := store.Counts(context.Background(), "camp-1")
	assert.Equal(t, sentAtPause, counts.Sent)

	// Resume picks the remainder back up.
	campaigns.setStatus(domain.CampaignSending)
	waitFor(t, 5*time.Second, func() bool {
		counts, _ := store.Counts(context.Background(), "camp-1")
		return counts.Sent == 50
	}, "drain after resume")
}

func TestPool_TerminalStatusStopsWorkers(t *testing.T) {
	store := queue.NewMemoryStore(fastPolicy())
	seedQueue(t, store, "camp-1", 5)
	campaigns := newStubCampaigns("camp-1", 100000)
	campaigns.setStatus(domain.CampaignFailed)
	transport := newScriptSender()

	pool := NewPool("camp-1", store, ratelimit.NewLocalLimiter(100000), transport,
		campaigns, &Renderer{}, fastConfig())
	pool.Start(context.Background())

	done := make(chan struct{})
	go func() { pool.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit on terminal campaign")
	}
	assert.Equal(t, 0, transport.sentCount())
}

func TestPool_ThrottleReleasesAndRecovers(t *testing.T) {
	store := queue.NewMemoryStore(fastPolicy())
	seedQueue(t, store, "camp-1", 10)
	campaigns := newStubCampaigns("camp-1", 100000)
	transport := newScriptSender()
	limiter := newAllowAfterDenials(8)

	pool := NewPool("camp-1", store, limiter, transport, campaigns, &Renderer{}, fastConfig())
	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		counts, _ := store.Counts(context.Background(), "camp-1")
		return counts.Sent == 10
	}, "drain despite throttling")

	pool.Stop()
	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Sent)
	assert.GreaterOrEqual(t, stats.Throttled, int64(1))
	// Denials never consume attempts: every task went out on attempt one.
	for _, s := range store.Sends("camp-1") {
		assert.NotEmpty(t, s.TrackingID)
	}
	counts, _ := store.Counts(context.Background(), "camp-1")
	assert.Equal(t, 0, counts.FailedRetry)
	assert.Equal(t, 0, counts.DeadLetter)
}
