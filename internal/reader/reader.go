package reader

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/fps"
	"github.com/kstaniek/canserver/internal/hub"
	"github.com/kstaniek/canserver/internal/logging"
	"github.com/kstaniek/canserver/internal/metrics"
	"github.com/kstaniek/canserver/internal/queue"
)

// Reader wraps a Device, batching received frames into an rx_fifo
// DropPolicyQueue and maintaining an FPS counter.
type Reader struct {
	Channel   string
	ChannelIdx int
	Device    Device
	Out       *queue.DropPolicyQueue[can.Frame]

	// RawHub, when set, receives every frame alongside Out, for consumers
	// outside the ingest-to-archive pipeline proper (the Panda UDP
	// fan-out, the external broadcast hub). Broadcasting is best-effort:
	// a slow external consumer never backpressures the pipeline.
	RawHub *hub.Hub[can.Frame]

	// BatchSize bounds how many frames accumulate before a push to Out,
	// nominally up to 100.
	BatchSize int
	// FlushInterval caps how long a partial batch waits before flushing,
	// so a quiet bus doesn't indefinitely delay already-received frames.
	FlushInterval time.Duration

	fpsCounter *fps.Counter
}

// New constructs a Reader with its default batch size (100) and flush
// interval (1s).
func New(channel string, channelIdx int, dev Device, out *queue.DropPolicyQueue[can.Frame]) *Reader {
	return &Reader{
		Channel:       channel,
		ChannelIdx:    channelIdx,
		Device:        dev,
		Out:           out,
		BatchSize:     100,
		FlushInterval: time.Second,
		fpsCounter:    fps.NewFPSCounter(logging.ForComponent(channel, "reader"), "rx", 10*time.Second),
	}
}

// Run reads frames until the device reports ErrEndOfReplay, a fatal error,
// or ctx is cancelled. It returns the terminal error, or nil on ctx
// cancellation.
func (r *Reader) Run(ctx context.Context) error {
	log := logging.ForComponent(r.Channel, "reader")
	batch := make([]can.Frame, 0, r.BatchSize)
	flush := time.NewTicker(r.FlushInterval)
	defer flush.Stop()

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		r.Out.PushMany(batch)
		if r.RawHub != nil {
			for _, f := range batch {
				r.RawHub.Broadcast(f)
			}
		}
		r.fpsCounter.Count(uint64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flushBatch()
			return nil
		case <-flush.C:
			flushBatch()
		default:
		}

		frame, ok, err := r.Device.Recv()
		if err != nil {
			flushBatch()
			if errors.Is(err, ErrEndOfReplay) {
				log.Info("end_of_replay")
				return err
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			return err
		}
		if !ok {
			metrics.ReaderBusErrors.WithLabelValues(r.Channel).Inc()
			continue
		}
		frame.Channel = r.ChannelIdx
		batch = append(batch, frame)
		metrics.ReaderRxFrames.WithLabelValues(r.Channel).Inc()
		if len(batch) >= r.BatchSize {
			flushBatch()
		}
	}
}

// Close closes the underlying device.
func (r *Reader) Close() error { return r.Device.Close() }
