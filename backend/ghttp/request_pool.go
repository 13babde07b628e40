package ghttp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jgoldverg/fedpool/backend/pool"
	"github.com/jgoldverg/fedpool/internal"
	"github.com/jgoldverg/fedpool/pkg/metrics"
)

type RequestPoolConfig struct {
	Size         int
	WaitTimeout  time.Duration
	ReclaimIdle  bool
	MaxIdleTime  time.Duration
	ReapInterval time.Duration
	Connection   ConnectionOptions
}

// SiteStats counts idle connections per site.
type SiteStats struct {
	Site string
	Idle int
}

// RequestPool shares persistent HTTP connections across delivery workers,
// one stack per remote site under a single connection ceiling. A background
// reaper closes connections that died or sat idle past MaxIdleTime.
type RequestPool struct {
	cfg     RequestPoolConfig
	conns   *pool.SharedConnectionPool[*Connection]
	metrics *metrics.PoolCollector

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRequestPool(cfg RequestPoolConfig, collector *metrics.PoolCollector) (*RequestPool, error) {
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 30 * time.Second
	}
	cfg.Connection.MaxIdleTime = cfg.MaxIdleTime

	rp := &RequestPool{
		cfg:     cfg,
		metrics: collector,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	conns, err := pool.NewSharedConnectionPool(pool.Options{
		Size:        cfg.Size,
		Timeout:     cfg.WaitTimeout,
		ReclaimIdle: cfg.ReclaimIdle,
	}, rp.open)
	if err != nil {
		return nil, fmt.Errorf("request pool: %w", err)
	}
	rp.conns = conns

	collector.Bind(func() metrics.PoolSnapshot {
		st := rp.conns.Stats()
		return metrics.PoolSnapshot{Size: st.Size, Open: st.Open, Idle: st.Idle, Sites: st.Sites}
	})

	if cfg.ReapInterval > 0 {
		go rp.reapLoop(cfg.ReapInterval)
	} else {
		close(rp.done)
	}
	return rp, nil
}

func (rp *RequestPool) open(site string) (*Connection, error) {
	conn, err := NewConnection(site, rp.cfg.Connection)
	rp.metrics.ObserveCreate(err)
	return conn, err
}

// With borrows a connection for site for the duration of fn. A connection
// that died inside fn is closed and its slot released instead of being
// returned to the pool.
func (rp *RequestPool) With(ctx context.Context, site string, fn func(*Connection) error) error {
	conn, err := rp.conns.Checkout(ctx, site)
	if err != nil {
		if errors.Is(err, pool.ErrTimeout) {
			rp.metrics.ObserveCheckoutTimeout()
		}
		return err
	}
	rp.metrics.ObserveCheckout()

	defer func() {
		if conn.Dead() {
			_ = conn.Close()
			rp.conns.Discard()
			rp.metrics.ObserveDiscard()
			internal.Debug("discarded dead connection", internal.Fields{
				internal.FieldSite: site,
			})
			return
		}
		if err := rp.conns.Checkin(site, conn); err != nil {
			_ = conn.Close()
		}
	}()
	return fn(conn)
}

// Reap closes idle connections that are dead or unused for longer than
// MaxIdleTime and returns how many were closed.
func (rp *RequestPool) Reap(now time.Time) int {
	evicted := rp.conns.Flush(func(_ string, c *Connection) bool {
		return c.Dead() || c.IdleFor(now) >= rp.cfg.MaxIdleTime
	})
	for _, c := range evicted {
		_ = c.Close()
	}
	rp.metrics.ObserveReaped(len(evicted))
	return len(evicted)
}

func (rp *RequestPool) reapLoop(interval time.Duration) {
	defer close(rp.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rp.stop:
			return
		case now := <-ticker.C:
			if n := rp.Reap(now); n > 0 {
				internal.Debug("reaped idle connections", internal.Fields{
					internal.FieldCount: n,
				})
			}
		}
	}
}

func (rp *RequestPool) Stats() pool.Stats {
	return rp.conns.Stats()
}

// Sites lists idle connection counts per site, busiest first.
func (rp *RequestPool) Sites() []SiteStats {
	counts := make(map[string]int)
	rp.conns.EachConnection(func(site string, _ *Connection) {
		counts[site]++
	})
	out := make([]SiteStats, 0, len(counts))
	for site, n := range counts {
		out = append(out, SiteStats{Site: site, Idle: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Idle != out[j].Idle {
			return out[i].Idle > out[j].Idle
		}
		return out[i].Site < out[j].Site
	})
	return out
}

// Shutdown stops the reaper and closes every idle connection. Connections
// still checked out are closed when they come back.
func (rp *RequestPool) Shutdown() error {
	rp.stopOnce.Do(func() {
		close(rp.stop)
	})
	<-rp.done
	return rp.conns.Close()
}
