// Package fps implements the FPS/Drop counter primitive: a
// cheap accumulate-then-log-and-reset counter used both for throughput
// ("average = n/period") and for drop-rate reporting on a coarse cadence, so
// a busy bus doesn't spam the log on every dropped frame.
//
// Grounded on original_source/can_reader.py's __log_fps (accumulate against a
// wall-clock window, log, reset) and go-ampio-server's periodic metrics-snapshot
// logger (cmd/can-server/metrics_logger.go).
package fps

import (
	"log/slog"
	"sync"
	"time"
)

// Counter accumulates a count over a period and logs the average rate each
// time the period elapses. It is safe for concurrent use.
type Counter struct {
	mu       sync.Mutex
	name     string
	period   time.Duration
	warn     bool // true => DropCounter semantics (warning-level log line)
	logger   *slog.Logger
	count    uint64
	windowAt time.Time
}

// NewFPSCounter creates an info-level throughput counter logging every
// period (default 60s if period <= 0).
func NewFPSCounter(logger *slog.Logger, name string, period time.Duration) *Counter {
	return newCounter(logger, name, period, false)
}

// NewDropCounter creates a warning-level counter for drop-rate reporting.
func NewDropCounter(logger *slog.Logger, name string, period time.Duration) *Counter {
	return newCounter(logger, name, period, true)
}

func newCounter(logger *slog.Logger, name string, period time.Duration, warn bool) *Counter {
	if period <= 0 {
		period = 60 * time.Second
	}
	return &Counter{name: name, period: period, warn: warn, logger: logger, windowAt: time.Now()}
}

// Count accumulates n against the current window and, if the period has
// elapsed since the window opened, logs the average and resets.
func (c *Counter) Count(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count += n
	now := time.Now()
	elapsed := now.Sub(c.windowAt)
	if elapsed < c.period {
		return
	}
	avg := float64(c.count) / elapsed.Seconds()
	if c.warn {
		c.logger.Warn("drop_rate", "counter", c.name, "avg_per_sec", avg, "total", c.count, "window_s", elapsed.Seconds())
	} else {
		c.logger.Info("fps", "counter", c.name, "avg_per_sec", avg, "total", c.count, "window_s", elapsed.Seconds())
	}
	c.count = 0
	c.windowAt = now
}

// Snapshot returns the running (not-yet-logged) count and the window start.
func (c *Counter) Snapshot() (count uint64, since time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.windowAt
}

// Reset zeroes the accumulated count and reopens the window at now, discarding
// any partial window without logging it.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
	c.windowAt = time.Now()
}
