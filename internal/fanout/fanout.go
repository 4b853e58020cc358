// Package fanout implements the Fan-out component: one per
// Reader, pulling rx_fifo batches and writing each batch to both
// decode_fifo and log_fifo.
//
// Grounded on go-ampio-server's hub fan-out loop shape (drain, push, count
// drops) and on a redesign of the Reader/Logger cyclic dependency
// into a one-way scalar: the Logger publishes a *atomic.Bool "running" flag
// this package only reads.
package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/fps"
	"github.com/kstaniek/canserver/internal/logging"
	"github.com/kstaniek/canserver/internal/metrics"
	"github.com/kstaniek/canserver/internal/queue"
)

// Fanout drains In and duplicates every batch into DecodeOut and LogOut.
type Fanout struct {
	Channel string
	In        *queue.DropPolicyQueue[can.Frame]
	DecodeOut *queue.DropPolicyQueue[can.Frame]
	LogOut    *queue.DropPolicyQueue[can.Frame]

	// LoggingRunning is a single-writer flag (owned by the Logger) this
	// component only reads, to decide whether log_fifo drops are worth
	// counting: log_fifo drops only count while logging is active.
	LoggingRunning *atomic.Bool

	BatchMax   int
	PopTimeout time.Duration

	fpsCounter *fps.Counter
}

// New constructs a Fanout with its default pop batch size and timeout.
func New(channel string, in, decodeOut, logOut *queue.DropPolicyQueue[can.Frame], loggingRunning *atomic.Bool) *Fanout {
	return &Fanout{
		Channel:        channel,
		In:             in,
		DecodeOut:      decodeOut,
		LogOut:         logOut,
		LoggingRunning: loggingRunning,
		BatchMax:       100,
		PopTimeout:     time.Second,
		fpsCounter:     fps.NewFPSCounter(logging.ForComponent(channel, "fanout"), "fanout", 10*time.Second),
	}
}

// Run drains In in batches until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch := f.In.PopMany(f.BatchMax, f.PopTimeout)
		if len(batch) == 0 {
			continue
		}

		before := f.DecodeOut.Dropped()
		f.DecodeOut.PushMany(batch)
		if dropped := f.DecodeOut.Dropped() - before; dropped > 0 {
			metrics.DecodeFifoDropped.WithLabelValues(f.Channel).Add(float64(dropped))
		}

		beforeLog := f.LogOut.Dropped()
		f.LogOut.PushMany(batch)
		if f.LoggingRunning != nil && f.LoggingRunning.Load() {
			if dropped := f.LogOut.Dropped() - beforeLog; dropped > 0 {
				metrics.LogFifoDropped.WithLabelValues(f.Channel).Add(float64(dropped))
			}
		}

		f.fpsCounter.Count(uint64(len(batch)))
	}
}
