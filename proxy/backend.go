// Package proxy implements the redundant multi-backend client from spec
// §4.3: fan-out uploads (any one success suffices), priority-ordered
// downloads (first success wins), and per-backend health tracking with
// cooldown, so a caller sees one logical filesystem backed by several
// independent netfs servers.
//
// Grounded on original_source/score/netfs/proxy/backend.py's Backend type
// (connect/reconnect/health bookkeeping) and proxy/operation/upload.py and
// download.py's fan-out-write, pick-one-and-retry-read strategies —
// reworked from Tornado's callback style onto goroutines coordinated with
// golang.org/x/sync/errgroup, the concurrency primitive the rest of the
// example pack reaches for when fanning out independent I/O.
package proxy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/score-framework/netfs/client"
)

// defaultCooldown is how long a backend is skipped after a failed dial or
// I/O error, mirroring _connection.py's backend.py reconnect() delay.
const defaultCooldown = 2 * time.Second

// backend tracks one netfs server's address alongside the connection
// health bookkeeping spec §4.3 requires: backends that fail are not retried
// immediately on every subsequent operation, they sit in cooldown.
type backend struct {
	addr string

	mu       sync.Mutex
	conn     *client.Client
	healthy  bool
	cooldown time.Time
}

func newBackend(addr string) *backend {
	return &backend{addr: addr, healthy: true}
}

// ensureConnected dials addr if there is no live connection and the backend
// isn't in cooldown. Returns the connection or an error; never blocks
// waiting on a busy backend, matching the rest of this system's
// acquire-or-fail philosophy for unavailable resources.
func (b *backend) ensureConnected(log zerolog.Logger) (*client.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.healthy && time.Now().Before(b.cooldown) {
		return nil, errBackendCoolingDown(b.addr)
	}
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := client.Dial(b.addr)
	if err != nil {
		b.markUnhealthyLocked(log)
		return nil, err
	}
	b.conn = conn
	b.healthy = true
	return conn, nil
}

// markUnhealthy puts the backend into cooldown and drops its connection so
// the next ensureConnected call dials fresh.
func (b *backend) markUnhealthy(log zerolog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markUnhealthyLocked(log)
}

func (b *backend) markUnhealthyLocked(log zerolog.Logger) {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	wasHealthy := b.healthy
	b.healthy = false
	b.cooldown = time.Now().Add(defaultCooldown)
	if wasHealthy {
		log.Warn().Str("backend", b.addr).Dur("cooldown", defaultCooldown).Msg("backend marked unhealthy")
	}
}

func (b *backend) isHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.healthy && time.Now().After(b.cooldown) {
		return true
	}
	return b.healthy
}
