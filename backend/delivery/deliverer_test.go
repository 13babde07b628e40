package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jgoldverg/fedpool/backend/ghttp"
	"github.com/jgoldverg/fedpool/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type inboxServer struct {
	*httptest.Server
	hits atomic.Int32

	mu      sync.Mutex
	headers []http.Header
	bodies  []string
}

// newInbox answers each request with the next status in statuses, repeating
// the last one once they run out.
func newInbox(t *testing.T, statuses ...int) *inboxServer {
	t.Helper()
	s := &inboxServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n := int(s.hits.Add(1))
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()

		status := statuses[min(n, len(statuses))-1]
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = io.WriteString(w, "  nope\n")
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestDeliverer(t *testing.T, opts Options) (*Deliverer, *metrics.PoolCollector) {
	t.Helper()
	collector := metrics.NewPoolCollector("")
	rp, err := ghttp.NewRequestPool(ghttp.RequestPoolConfig{
		Size:        4,
		WaitTimeout: time.Second,
		ReclaimIdle: true,
	}, collector)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rp.Shutdown() })
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return NewDeliverer(rp, opts, collector), collector
}

func TestDeliverSetsHeaders(t *testing.T) {
	inbox := newInbox(t, http.StatusAccepted)
	d, _ := newTestDeliverer(t, Options{UserAgent: "fedpool-test/1.0"})

	job := NewJob(inbox.URL+"/users/alice/inbox", []byte(`{"type":"Create"}`))
	job.Headers = map[string]string{"Signature": "keyId=\"test\""}
	res := d.Deliver(context.Background(), job)

	require.NoError(t, res.Err)
	assert.True(t, res.Delivered())
	assert.Equal(t, http.StatusAccepted, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, metrics.OutcomeDelivered, res.Outcome)

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	require.Len(t, inbox.headers, 1)
	h := inbox.headers[0]
	assert.Equal(t, job.ID.String(), h.Get("X-Delivery-Id"))
	assert.Equal(t, "fedpool-test/1.0", h.Get("User-Agent"))
	assert.Equal(t, DefaultContentType, h.Get("Content-Type"))
	assert.Equal(t, `keyId="test"`, h.Get("Signature"))
	assert.Equal(t, `{"type":"Create"}`, inbox.bodies[0])
}

func TestDeliverRetriesTransientStatus(t *testing.T) {
	inbox := newInbox(t, http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusAccepted)
	d, _ := newTestDeliverer(t, Options{MaxRetries: 3})

	res := d.Deliver(context.Background(), NewJob(inbox.URL+"/inbox", []byte("{}")))

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), inbox.hits.Load())
	assert.Equal(t, metrics.OutcomeDelivered, res.Outcome)

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	for _, body := range inbox.bodies {
		assert.Equal(t, "{}", body, "every attempt resends the full payload")
	}
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	inbox := newInbox(t, http.StatusBadGateway)
	d, _ := newTestDeliverer(t, Options{MaxRetries: 2})

	res := d.Deliver(context.Background(), NewJob(inbox.URL+"/inbox", nil))

	var se *StatusError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, "nope", se.Body)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, metrics.OutcomeGaveUp, res.Outcome)
}

func TestDeliverDoesNotRetryPermanentStatus(t *testing.T) {
	inbox := newInbox(t, http.StatusNotFound)
	d, collector := newTestDeliverer(t, Options{MaxRetries: 5})

	res := d.Deliver(context.Background(), NewJob(inbox.URL+"/inbox", nil))

	var se *StatusError
	require.ErrorAs(t, res.Err, &se)
	assert.False(t, se.Transient())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, metrics.OutcomeRejected, res.Outcome)

	expected := `
# HELP fedpool_delivery_deliveries_total Finished deliveries by outcome.
# TYPE fedpool_delivery_deliveries_total counter
fedpool_delivery_deliveries_total{outcome="rejected"} 1
`
	require.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected),
		"fedpool_delivery_deliveries_total"))
}

func TestDeliverRejectsInvalidInbox(t *testing.T) {
	d, _ := newTestDeliverer(t, Options{MaxRetries: 3})

	for _, inbox := range []string{"", "ftp://example.social/inbox", "https:///inbox"} {
		res := d.Deliver(context.Background(), NewJob(inbox, nil))
		assert.ErrorIs(t, res.Err, ErrInvalidInbox, inbox)
		assert.Equal(t, 0, res.Attempts, inbox)
		assert.Equal(t, metrics.OutcomeRejected, res.Outcome, inbox)
	}
}

func TestDeliverRetriesDeadConnection(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	d, _ := newTestDeliverer(t, Options{MaxRetries: 1})

	res := d.Deliver(context.Background(), NewJob(srv.URL+"/inbox", []byte("{}")))

	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, d.conns.Stats().Open, "the broken connection must not linger")
}

func TestDeliverStopsBackoffOnCancel(t *testing.T) {
	inbox := newInbox(t, http.StatusServiceUnavailable)
	d, _ := newTestDeliverer(t, Options{MaxRetries: 10, RetryBackoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := d.Deliver(ctx, NewJob(inbox.URL+"/inbox", nil))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	errs := multierr.Errors(res.Err)
	require.Len(t, errs, 2, "last attempt error and ctx error")
	var se *StatusError
	assert.ErrorAs(t, errs[0], &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, metrics.OutcomeGaveUp, res.Outcome)
}

func TestDeliverAllKeepsInputOrder(t *testing.T) {
	a := newInbox(t, http.StatusAccepted)
	b := newInbox(t, http.StatusGone)
	d, _ := newTestDeliverer(t, Options{Concurrency: 3})

	jobs := []Job{
		NewJob(a.URL+"/inbox", nil),
		NewJob(b.URL+"/inbox", nil),
		NewJob("not a url", nil),
		NewJob(a.URL+"/users/bob/inbox", nil),
		NewJob(b.URL+"/users/bob/inbox", nil),
	}
	results := d.DeliverAll(context.Background(), jobs)

	require.Len(t, results, len(jobs))
	for i, res := range results {
		assert.Equal(t, jobs[i].ID, res.JobID)
		assert.Equal(t, jobs[i].Inbox, res.Inbox)
	}
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[3].Err)
	assert.Equal(t, http.StatusGone, results[1].Status)
	assert.ErrorIs(t, results[2].Err, ErrInvalidInbox)
	assert.Equal(t, int32(2), a.hits.Load())
	assert.Equal(t, int32(2), b.hits.Load())
}

func TestDeliverAllCancelled(t *testing.T) {
	inbox := newInbox(t, http.StatusAccepted)
	d, _ := newTestDeliverer(t, Options{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jobs := []Job{NewJob(inbox.URL+"/1", nil), NewJob(inbox.URL+"/2", nil), NewJob(inbox.URL+"/3", nil)}
	results := d.DeliverAll(ctx, jobs)

	require.Len(t, results, 3)
	for _, res := range results {
		assert.Error(t, res.Err)
		assert.Equal(t, metrics.OutcomeGaveUp, res.Outcome)
	}
}

func TestStatusErrorTransient(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusNotFound:            false,
		http.StatusGone:                false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
	}
	for code, want := range cases {
		assert.Equal(t, want, (&StatusError{Code: code}).Transient(), code)
	}
}
