package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/progress"
	"github.com/ignite/dispatch/internal/queue"
	"github.com/ignite/dispatch/internal/ratelimit"
	"github.com/ignite/dispatch/internal/repository/memory"
	"github.com/ignite/dispatch/internal/service/campaign"
)

type fixedLimiters struct {
	lim ratelimit.Limiter
}

func (f *fixedLimiters) Limiter(string) (ratelimit.Limiter, bool) { return f.lim, f.lim != nil }

func newTestAPI(t *testing.T, subscribers int) (*httptest.Server, *campaign.Service) {
	t.Helper()
	repo := memory.NewCampaignRepo()
	for i := 0; i < subscribers; i++ {
		repo.AddSubscriber(&domain.Subscriber{
			ID:    fmt.Sprintf("sub-%d", i),
			Email: fmt.Sprintf("user%d@example.test", i),
		})
	}
	store := queue.NewMemoryStore(queue.DefaultPolicy())
	svc := campaign.NewService(repo, store, nil, 0)
	agg := progress.NewAggregator(repo, store, nil)

	srv := httptest.NewServer(NewHandlers(svc, agg).Router())
	t.Cleanup(srv.Close)
	return srv, svc
}

func createCampaign(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	body := `{"name":"Launch","subject":"Hi","from_name":"Acme","from_email":"news@acme.test","html_content":"<p>x</p>","send_rate":600}`
	resp, err := http.Post(srv.URL+"/api/campaigns/", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var c domain.Campaign
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	return c.ID
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestAPI(t, 3)
	id := createCampaign(t, srv)

	resp := post(t, srv.URL+"/api/campaigns/"+id+"/start")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, float64(3), started["enqueued"])

	resp = post(t, srv.URL+"/api/campaigns/"+id+"/pause")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Pausing twice is a state-machine violation.
	resp = post(t, srv.URL+"/api/campaigns/"+id+"/pause")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/api/campaigns/"+id+"/resume")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv.URL+"/api/campaigns/"+id+"/cancel")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, srv.URL+"/api/campaigns/"+id+"/start")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestProgressEndpoint(t *testing.T) {
	srv, _ := newTestAPI(t, 4)
	id := createCampaign(t, srv)
	post(t, srv.URL+"/api/campaigns/"+id+"/start")

	resp, err := http.Get(srv.URL + "/api/campaigns/" + id + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var s progress.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, 4, s.TotalRecipients)
	assert.Equal(t, 4, s.Pending)
	assert.Equal(t, 0.0, s.PercentComplete)
}

func TestProgressEndpointCarriesLimiterWait(t *testing.T) {
	repo := memory.NewCampaignRepo()
	repo.AddSubscriber(&domain.Subscriber{ID: "sub-0", Email: "user0@example.test"})
	store := queue.NewMemoryStore(queue.DefaultPolicy())
	svc := campaign.NewService(repo, store, nil, 0)

	// The server process wires the aggregator to the engine's limiters;
	// the snapshot it serves must pass the last wait hint through.
	lim := ratelimit.NewLocalLimiter(60)
	for i := 0; i < 60; i++ {
		_, err := lim.TryAcquire(context.Background())
		require.NoError(t, err)
	}
	d, err := lim.TryAcquire(context.Background())
	require.NoError(t, err)
	require.False(t, d.Allowed)

	agg := progress.NewAggregator(repo, store, &fixedLimiters{lim: lim})
	srv := httptest.NewServer(NewHandlers(svc, agg).Router())
	t.Cleanup(srv.Close)

	id := createCampaign(t, srv)
	post(t, srv.URL+"/api/campaigns/"+id+"/start")

	resp, err := http.Get(srv.URL + "/api/campaigns/" + id + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var s progress.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, lim.LastWait().Milliseconds(), s.LastRateLimitWaitMs)
	assert.Greater(t, s.LastRateLimitWaitMs, int64(0))
}

func TestUnknownCampaignIs404(t *testing.T) {
	srv, _ := newTestAPI(t, 0)

	resp, err := http.Get(srv.URL + "/api/campaigns/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2 := post(t, srv.URL+"/api/campaigns/nope/start")
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestStartWithoutRecipientsIs400(t *testing.T) {
	srv, _ := newTestAPI(t, 0)
	id := createCampaign(t, srv)

	resp := post(t, srv.URL+"/api/campaigns/"+id+"/start")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateValidation(t *testing.T) {
	srv, _ := newTestAPI(t, 0)

	resp, err := http.Post(srv.URL+"/api/campaigns/", "application/json",
		strings.NewReader(`{"subject":"no name"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
