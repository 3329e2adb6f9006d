package proxy

import (
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/score-framework/netfs/client"
	"github.com/score-framework/netfs/internal/metrics"
	"github.com/score-framework/netfs/internal/protocol"
)

// Transaction is the SPEC_FULL.md two-phase-commit hook: it accumulates
// uploads across potentially many names against the cohort of backends
// that accepted the first one, then drives prepare/commit (or rollback)
// across exactly that cohort — so a caller doing several related uploads
// gets one atomic-ish commit instead of committing each upload's backend
// set independently.
//
// Grounded on original_source/score/netfs/_connection.py's _CtxDataManager,
// which joins a single connection into a zope transaction's tpc_vote/
// tpc_finish hooks; generalized here from "one connection" to "the cohort
// of backends a fan-out upload actually reached."
type Transaction struct {
	client *Client
	cohort map[*backend]*client.Client
}

// Begin opens a Transaction against c. The cohort is established lazily:
// it is whichever backends accept the transaction's first upload.
func (c *Client) Begin() *Transaction {
	return &Transaction{client: c, cohort: make(map[*backend]*client.Client)}
}

// Upload fans out to every configured backend, but restricts itself to the
// transaction's existing cohort once one has been established, and adds
// any newly-successful backend to the cohort on the first call.
func (t *Transaction) Upload(name string, content io.Reader) error {
	buf, err := io.ReadAll(content)
	if err != nil {
		return errors.Wrap(err, "buffering transaction upload content")
	}

	targets := t.client.backends
	if len(t.cohort) > 0 {
		targets = make([]*backend, 0, len(t.cohort))
		for b := range t.cohort {
			targets = append(targets, b)
		}
	}

	var g errgroup.Group
	var mu sync.Mutex
	for _, b := range targets {
		b := b
		g.Go(func() error {
			mu.Lock()
			conn, ok := t.cohort[b]
			mu.Unlock()
			if !ok {
				var err error
				conn, err = b.ensureConnected(t.client.log)
				if err != nil {
					metrics.BackendOpTotal.WithLabelValues(b.addr, "upload", "unavailable").Inc()
					return nil
				}
			}
			if err := conn.Upload(name, bytes.NewReader(buf), int64(len(buf))); err != nil {
				b.markUnhealthy(t.client.log)
				metrics.BackendOpTotal.WithLabelValues(b.addr, "upload", "error").Inc()
				mu.Lock()
				delete(t.cohort, b)
				mu.Unlock()
				return nil
			}
			metrics.BackendOpTotal.WithLabelValues(b.addr, "upload", "ok").Inc()
			mu.Lock()
			t.cohort[b] = conn
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(t.cohort) == 0 {
		return errors.Wrapf(protocol.ErrBackendUnavailable, "upload %q: no backend in the transaction's cohort accepted it", name)
	}
	return nil
}

// Prepare asks every cohort backend to re-verify its staged files (the
// vote phase of 2PC). It returns an error only if every cohort backend
// votes no; a no from some of them is not reported to the caller.
func (t *Transaction) Prepare() error {
	successes, total := t.fanCohort("prepare", func(conn *client.Client) error {
		return conn.Prepare()
	})
	if successes == 0 && total > 0 {
		return errors.Errorf("prepare failed on all %d cohort backends", total)
	}
	return nil
}

// Commit instructs every cohort backend to persist its staged files. Per
// spec §4.3's fan-out semantics ("succeeds if at least one backend
// accepts it"), the transaction as a whole commits successfully as long
// as at least one cohort backend commits — a single backend's failure
// does not fail the others that already committed, or the transaction.
func (t *Transaction) Commit() error {
	successes, total := t.fanCohort("commit", func(conn *client.Client) error {
		return conn.Commit()
	})
	if successes == 0 && total > 0 {
		return errors.Errorf("commit failed on all %d cohort backends", total)
	}
	return nil
}

// Rollback discards staged files on every cohort backend. Per spec §7,
// rollback never surfaces failure to the caller: a backend that is
// unreachable during rollback has nothing durable to undo in the first
// place, so there is nothing for the caller to react to.
func (t *Transaction) Rollback() error {
	t.fanCohort("rollback", func(conn *client.Client) error {
		return conn.Rollback()
	})
	return nil
}

// fanCohort runs fn against every cohort backend concurrently and reports
// how many succeeded out of how many were attempted.
func (t *Transaction) fanCohort(op string, fn func(*client.Client) error) (successes, total int) {
	var g errgroup.Group
	var mu sync.Mutex
	total = len(t.cohort)
	for b, conn := range t.cohort {
		b, conn := b, conn
		g.Go(func() error {
			if err := fn(conn); err != nil {
				metrics.BackendOpTotal.WithLabelValues(b.addr, op, "error").Inc()
				return nil
			}
			metrics.BackendOpTotal.WithLabelValues(b.addr, op, "ok").Inc()
			mu.Lock()
			successes++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return successes, total
}
