package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jgoldverg/fedpool/backend/ghttp"
	"github.com/jgoldverg/fedpool/backend/pool"
	"github.com/jgoldverg/fedpool/internal"
	"github.com/jgoldverg/fedpool/pkg/metrics"
	"go.uber.org/multierr"
)

const (
	maxDrain   = 1 << 20
	maxSnippet = 256
)

type Options struct {
	Concurrency  int
	MaxRetries   int
	RetryBackoff time.Duration
	UserAgent    string

	// OnResult, when set, is called from the worker after each job finishes.
	OnResult func(Result)
}

// Deliverer POSTs jobs to remote inboxes over connections borrowed from a
// shared RequestPool.
type Deliverer struct {
	conns   *ghttp.RequestPool
	opts    Options
	buffers *pool.BufferPool
	metrics *metrics.PoolCollector
}

func NewDeliverer(conns *ghttp.RequestPool, opts Options, collector *metrics.PoolCollector) *Deliverer {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fedpool"
	}
	return &Deliverer{
		conns:   conns,
		opts:    opts,
		buffers: pool.NewBufferPool(32 << 10),
		metrics: collector,
	}
}

// Deliver sends job, retrying transient failures with exponential backoff
// up to MaxRetries extra attempts.
func (d *Deliverer) Deliver(ctx context.Context, job Job) Result {
	start := time.Now()
	res := Result{JobID: job.ID, Inbox: job.Inbox}
	defer func() {
		res.Duration = time.Since(start)
		d.metrics.ObserveDelivery(res.Outcome, res.Duration)
	}()

	site, err := ghttp.SiteOf(job.Inbox)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrInvalidInbox, err)
		res.Outcome = metrics.OutcomeRejected
		return res
	}
	res.Site = site

	backoff := d.opts.RetryBackoff
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		res.Status, res.Err = d.attempt(ctx, site, job)
		if res.Err == nil {
			res.Outcome = metrics.OutcomeDelivered
			internal.Debug("delivered", internal.Fields{
				internal.FieldDeliveryID: job.ID.String(),
				internal.FieldInbox:      job.Inbox,
				internal.FieldStatus:     res.Status,
				internal.FieldAttempt:    attempt,
			})
			return res
		}
		if !retryable(res.Err) || attempt > d.opts.MaxRetries || ctx.Err() != nil {
			break
		}

		internal.Warn("delivery attempt failed, retrying", internal.Fields{
			internal.FieldDeliveryID: job.ID.String(),
			internal.FieldInbox:      job.Inbox,
			internal.FieldAttempt:    attempt,
			internal.FieldBackoff:    backoff.String(),
			internal.FieldError:      res.Err.Error(),
		})
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = multierr.Append(res.Err, ctx.Err())
			res.Outcome = metrics.OutcomeGaveUp
			return res
		case <-timer.C:
		}
		backoff *= 2
	}

	res.Outcome = metrics.OutcomeGaveUp
	var se *StatusError
	if errors.As(res.Err, &se) && !se.Transient() {
		res.Outcome = metrics.OutcomeRejected
	}
	internal.Error("delivery failed", internal.Fields{
		internal.FieldDeliveryID: job.ID.String(),
		internal.FieldInbox:      job.Inbox,
		internal.FieldAttempt:    res.Attempts,
		internal.FieldError:      res.Err.Error(),
	})
	return res
}

func (d *Deliverer) attempt(ctx context.Context, site string, job Job) (int, error) {
	req, err := d.newRequest(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInbox, err)
	}

	var (
		status  int
		snippet string
	)
	err = d.conns.With(ctx, site, func(conn *ghttp.Connection) error {
		return conn.Use(func(client *http.Client) error {
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			status = resp.StatusCode
			snippet, err = d.drain(resp.Body)
			return err
		})
	})
	if err != nil {
		return status, err
	}
	return status, checkStatus(status, snippet)
}

func (d *Deliverer) newRequest(ctx context.Context, job Job) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Inbox, bytes.NewReader(job.Body))
	if err != nil {
		return nil, err
	}
	contentType := job.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", d.opts.UserAgent)
	req.Header.Set("X-Delivery-Id", job.ID.String())
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// drain reads the response to EOF so the transport can reuse the
// connection, keeping the first bytes for error reporting.
func (d *Deliverer) drain(body io.Reader) (string, error) {
	buf := d.buffers.GetBuffer()
	defer d.buffers.PutBuffer(buf)

	var snippet []byte
	r := io.LimitReader(body, maxDrain)
	for {
		n, err := r.Read(*buf)
		if keep := min(n, maxSnippet-len(snippet)); keep > 0 {
			snippet = append(snippet, (*buf)[:keep]...)
		}
		if err == io.EOF {
			return strings.TrimSpace(string(snippet)), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// DeliverAll runs jobs on Concurrency workers and returns one Result per job
// in input order. Jobs never started because ctx ended carry ctx.Err().
func (d *Deliverer) DeliverAll(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	started := make([]bool, len(jobs))

	wp := pool.NewWorkerPool[int](d.opts.Concurrency, len(jobs))
	for i := range jobs {
		wp.Ingress() <- i
	}
	wp.CloseIngress()
	wp.Run(ctx, func(ctx context.Context, i int) {
		started[i] = true
		results[i] = d.Deliver(ctx, jobs[i])
		if d.opts.OnResult != nil {
			d.opts.OnResult(results[i])
		}
	})

	for i, job := range jobs {
		if started[i] {
			continue
		}
		results[i] = Result{
			JobID:   job.ID,
			Inbox:   job.Inbox,
			Outcome: metrics.OutcomeGaveUp,
			Err:     ctx.Err(),
		}
	}
	return results
}

func retryable(err error) bool {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return se.Transient()
	case errors.Is(err, ErrInvalidInbox), errors.Is(err, pool.ErrPoolClosed), errors.Is(err, pool.ErrZeroCapacity):
		return false
	}
	return true
}
