package proxy

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/score-framework/netfs/client"
	"github.com/score-framework/netfs/internal/metrics"
	"github.com/score-framework/netfs/internal/protocol"
)

func errBackendCoolingDown(addr string) error {
	return errors.Wrapf(protocol.ErrBackendUnavailable, "backend %s is in cooldown", addr)
}

// Client fans writes out to every configured backend and serves reads from
// whichever backend answers first, giving callers one logical store backed
// by several independent netfs servers (spec §4.3).
type Client struct {
	backends []*backend
	log      zerolog.Logger
}

// New constructs a Client against the given backend addresses. Connections
// are established lazily, on first use of each backend.
func New(addrs []string, log zerolog.Logger) *Client {
	backends := make([]*backend, len(addrs))
	for i, addr := range addrs {
		backends[i] = newBackend(addr)
	}
	return &Client{backends: backends, log: log}
}

// HealthyCount reports how many backends are not currently in cooldown,
// also publishing the value to metrics.HealthyBackends.
func (c *Client) HealthyCount() int {
	n := 0
	for _, b := range c.backends {
		if b.isHealthy() {
			n++
		}
	}
	metrics.HealthyBackends.Set(float64(n))
	return n
}

// Put is spec §4.3's one-shot put: upload name to every reachable backend
// and commit it there, so it is durable on return rather than merely
// staged. Whole-file buffering is the tradeoff for being able to retry the
// same bytes against multiple backends without rewinding a network
// stream; spec §4.3 does not bound proxy memory use the way §3 bounds the
// server's per-chunk streaming.
//
// Put is a single-file convenience wrapper around Begin/Upload/Commit —
// callers staging several related files under one commit should use
// Begin directly instead.
func (c *Client) Put(name string, content io.Reader) (int, error) {
	tx := c.Begin()
	if err := tx.Upload(name, content); err != nil {
		return 0, err
	}
	successes, total := tx.fanCohort("commit", func(conn *client.Client) error {
		return conn.Commit()
	})
	if successes == 0 && total > 0 {
		return 0, errors.Errorf("put %q: commit failed on all %d backends", name, total)
	}
	return successes, nil
}

// Commit sends a commit to every backend that is connected or can be
// dialed now, and reports how many of them committed. It does not track
// which backends accepted earlier uploads, and it never returns a non-nil
// error. Most callers never need this: Put already commits each file it
// uploads.
func (c *Client) Commit() (int, error) {
	var g errgroup.Group
	successes := make([]bool, len(c.backends))
	for i, b := range c.backends {
		i, b := i, b
		g.Go(func() error {
			conn, err := b.ensureConnected(c.log)
			if err != nil {
				return nil
			}
			if err := conn.Commit(); err != nil {
				b.markUnhealthy(c.log)
				metrics.BackendOpTotal.WithLabelValues(b.addr, "commit", "error").Inc()
				return nil
			}
			metrics.BackendOpTotal.WithLabelValues(b.addr, "commit", "ok").Inc()
			successes[i] = true
			return nil
		})
	}
	_ = g.Wait()
	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	return count, nil
}

// Rollback discards any staged-but-uncommitted uploads on every backend.
// Like Transaction.Rollback, it never surfaces a per-backend failure:
// there is nothing durable for the caller to react to.
func (c *Client) Rollback() {
	var g errgroup.Group
	for _, b := range c.backends {
		b := b
		g.Go(func() error {
			conn, err := b.ensureConnected(c.log)
			if err != nil {
				return nil
			}
			_ = conn.Rollback()
			return nil
		})
	}
	_ = g.Wait()
}

// Get downloads name, trying backends in their configured priority order
// (the order of the addresses passed to New). The first backend to answer
// successfully wins; the backends after it are not contacted.
func (c *Client) Get(name string, dst io.Writer) (time.Time, error) {
	var lastErr error
	for _, b := range c.backends {
		if !b.isHealthy() {
			continue
		}
		conn, err := b.ensureConnected(c.log)
		if err != nil {
			lastErr = err
			continue
		}
		mtime, err := conn.Download(name, dst)
		if err != nil {
			if errors.Is(err, protocol.ErrNotFound) {
				// A clean miss on this backend, not a backend failure
				// (spec §7) — other names may well be present here, so
				// don't put the backend in cooldown over it.
				metrics.BackendOpTotal.WithLabelValues(b.addr, "download", "not_found").Inc()
				lastErr = err
				continue
			}
			metrics.BackendOpTotal.WithLabelValues(b.addr, "download", "error").Inc()
			b.markUnhealthy(c.log)
			lastErr = err
			continue
		}
		metrics.BackendOpTotal.WithLabelValues(b.addr, "download", "ok").Inc()
		return mtime, nil
	}
	if lastErr == nil {
		lastErr = protocol.ErrBackendUnavailable
	}
	return time.Time{}, errors.Wrapf(lastErr, "download %q: no backend served it", name)
}
