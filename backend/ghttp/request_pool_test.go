package ghttp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jgoldverg/fedpool/backend/pool"
	"github.com/jgoldverg/fedpool/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCountingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			accepted.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, &accepted
}

func newTestRequestPool(t *testing.T, cfg RequestPoolConfig) (*RequestPool, *metrics.PoolCollector) {
	t.Helper()
	collector := metrics.NewPoolCollector("")
	rp, err := NewRequestPool(cfg, collector)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rp.Shutdown() })
	return rp, collector
}

func post(ctx context.Context, url string) func(*Connection) error {
	return func(conn *Connection) error {
		return conn.Use(func(client *http.Client) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(io.Discard, resp.Body)
			return err
		})
	}
}

func TestSiteOf(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://Example.social/inbox", want: "https://example.social:443"},
		{in: "https://example.social:443/users/a/inbox", want: "https://example.social:443"},
		{in: "http://example.social/inbox", want: "http://example.social:80"},
		{in: "http://127.0.0.1:8080/inbox", want: "http://127.0.0.1:8080"},
		{in: "https://[::1]/inbox", want: "https://[::1]:443"},
		{in: "ftp://example.social/inbox", wantErr: true},
		{in: "https:///inbox", wantErr: true},
		{in: "::not a url", wantErr: true},
	}
	for _, tc := range cases {
		got, err := SiteOf(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestRequestPoolReusesConnectionForSite(t *testing.T) {
	srv, accepted := newCountingServer(t)
	rp, collector := newTestRequestPool(t, RequestPoolConfig{Size: 4, WaitTimeout: time.Second})
	site, err := SiteOf(srv.URL)
	require.NoError(t, err)

	var first, second *Connection
	ctx := context.Background()
	require.NoError(t, rp.With(ctx, site, func(c *Connection) error {
		first = c
		return post(ctx, srv.URL+"/inbox")(c)
	}))
	require.NoError(t, rp.With(ctx, site, func(c *Connection) error {
		second = c
		return post(ctx, srv.URL+"/inbox")(c)
	}))

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), accepted.Load(), "second request should reuse the TCP connection")
	assert.Equal(t, 1, rp.Stats().Open)

	expected := `
# HELP fedpool_pool_checkouts_total Connections handed out to callers.
# TYPE fedpool_pool_checkouts_total counter
fedpool_pool_checkouts_total 2
# HELP fedpool_pool_connections_created_total Connections opened by the factory.
# TYPE fedpool_pool_connections_created_total counter
fedpool_pool_connections_created_total 1
`
	require.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected),
		"fedpool_pool_checkouts_total", "fedpool_pool_connections_created_total"))
}

func TestRequestPoolDiscardsDeadConnection(t *testing.T) {
	srv, _ := newCountingServer(t)
	rp, collector := newTestRequestPool(t, RequestPoolConfig{Size: 1, WaitTimeout: 0})
	site, err := SiteOf(srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	brokenPipe := errors.New("broken pipe")
	var broken *Connection
	err = rp.With(ctx, site, func(c *Connection) error {
		broken = c
		return c.Use(func(*http.Client) error { return brokenPipe })
	})
	assert.ErrorIs(t, err, brokenPipe)
	assert.True(t, broken.Dead())
	assert.Equal(t, 0, rp.Stats().Open, "dead connection must give its slot back")

	var fresh *Connection
	require.NoError(t, rp.With(ctx, site, func(c *Connection) error {
		fresh = c
		return post(ctx, srv.URL)(c)
	}))
	assert.NotSame(t, broken, fresh)
	assert.ErrorIs(t, broken.Use(func(*http.Client) error { return nil }), ErrConnectionDead)
	assert.Equal(t, 1, rp.Stats().Idle)
	assert.Equal(t, 1, collector.Snapshot().Idle)
}

func TestRequestPoolTimesOutAtCeiling(t *testing.T) {
	rp, _ := newTestRequestPool(t, RequestPoolConfig{Size: 1, WaitTimeout: 0})
	ctx := context.Background()

	err := rp.With(ctx, "https://a.example:443", func(*Connection) error {
		return rp.With(ctx, "https://b.example:443", func(*Connection) error {
			t.Fatal("second site must not get a connection")
			return nil
		})
	})
	assert.ErrorIs(t, err, pool.ErrTimeout)
}

func TestRequestPoolReapsIdleConnections(t *testing.T) {
	rp, _ := newTestRequestPool(t, RequestPoolConfig{Size: 4, MaxIdleTime: time.Minute})
	ctx := context.Background()

	for _, site := range []string{"https://a.example:443", "https://a.example:443", "https://b.example:443"} {
		require.NoError(t, rp.With(ctx, site, func(*Connection) error { return nil }))
	}
	sites := rp.Sites()
	require.Len(t, sites, 2)
	assert.Equal(t, 1, sites[0].Idle)

	assert.Equal(t, 0, rp.Reap(time.Now()))
	assert.Equal(t, 2, rp.Reap(time.Now().Add(2*time.Minute)))
	st := rp.Stats()
	assert.Equal(t, 0, st.Open)
	assert.Equal(t, 0, st.Idle)
	assert.Empty(t, rp.Sites())
}

func TestRequestPoolReaperLoop(t *testing.T) {
	rp, _ := newTestRequestPool(t, RequestPoolConfig{
		Size:         2,
		MaxIdleTime:  time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
	})
	require.NoError(t, rp.With(context.Background(), "https://a.example:443", func(*Connection) error { return nil }))

	assert.Eventually(t, func() bool {
		return rp.Stats().Open == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestPoolShutdown(t *testing.T) {
	rp, err := NewRequestPool(RequestPoolConfig{Size: 2, ReapInterval: time.Hour}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	var idle *Connection
	require.NoError(t, rp.With(ctx, "https://a.example:443", func(c *Connection) error {
		idle = c
		return nil
	}))

	require.NoError(t, rp.Shutdown())
	require.NoError(t, rp.Shutdown())
	assert.True(t, idle.Dead())

	err = rp.With(ctx, "https://a.example:443", func(*Connection) error { return nil })
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}

func TestNewRequestPoolRejectsZeroSize(t *testing.T) {
	_, err := NewRequestPool(RequestPoolConfig{Size: 0}, nil)
	assert.ErrorIs(t, err, pool.ErrZeroCapacity)
}
