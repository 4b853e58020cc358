// Package decoder drains decode_fifo, rate-limits per frame id, and decodes
// admitted frames against a loaded DBC database into DecodedRecord values.
//
// Grounded on original_source/can_reader.py's __decode method (filter check,
// rate-limit check, sender/cross-bus check, decode-with-seen-error-set,
// publish) and structured like go-ampio-server's worker goroutines (a Run loop
// draining a queue with a context for shutdown, logging via
// internal/logging, metrics via internal/metrics).
package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/dbc"
	"github.com/kstaniek/canserver/internal/hub"
	"github.com/kstaniek/canserver/internal/logging"
	"github.com/kstaniek/canserver/internal/metrics"
	"github.com/kstaniek/canserver/internal/queue"
)

// ErrConfig reports a setup-time configuration failure.
var ErrConfig = errors.New("decoder: configuration error")

// DecodedRecord is the Decoder's output: one decoded message occurrence.
type DecodedRecord struct {
	FrameID     uint32
	Message     string
	Signals     []dbc.Value
	Timestamp   float64
}

// DecodeFilter is the set of frame ids the Decoder admits, built from the
// union of frame ids for every symbolic message name in the include list.
type DecodeFilter map[uint32]struct{}

// Decoder drains decode_fifo and emits DecodedRecord values to Out.
type Decoder struct {
	Channel string
	BatchMax int
	PopTimeout time.Duration

	db       *dbc.Database
	busName  string
	filter   DecodeFilter
	minInterval float64

	lastDecoded map[uint32]float64
	seenErrors  map[string]struct{}

	In  *queue.DropPolicyQueue[can.Frame]
	Out *queue.DropPolicyQueue[DecodedRecord]

	// RecordHub, when set, receives every emitted DecodedRecord alongside
	// Out, for the external broadcast hub.
	RecordHub *hub.Hub[DecodedRecord]
}

// Setup loads the DBC database, validates busName is a sender of at least
// one message, and builds the DecodeFilter from includeList. Returns
// ErrConfig if includeList is empty or names an unknown message.
func Setup(dbcPath, busName string, includeList []string, minIntervalSeconds float64) (*Decoder, error) {
	db, err := dbc.Load(dbcPath)
	if err != nil {
		metrics.IncError(metrics.ErrDBCLoad)
		return nil, fmt.Errorf("%w: loading dbc: %v", ErrConfig, err)
	}
	if len(includeList) == 0 {
		return nil, fmt.Errorf("%w: include_list is empty", ErrConfig)
	}

	isSender := false
	for _, m := range db.Messages() {
		if m.HasSender(busName) {
			isSender = true
			break
		}
	}
	if !isSender {
		return nil, fmt.Errorf("%w: bus %q is not a sender of any message in %s", ErrConfig, busName, dbcPath)
	}

	filter := DecodeFilter{}
	for _, name := range includeList {
		msg, ok := db.MessageByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown message %q in include_list", ErrConfig, name)
		}
		filter[msg.FrameID] = struct{}{}
	}

	return &Decoder{
		db:          db,
		busName:     busName,
		filter:      filter,
		minInterval: minIntervalSeconds,
		lastDecoded: make(map[uint32]float64),
		seenErrors:  make(map[string]struct{}),
		BatchMax:    100,
		PopTimeout:  time.Second,
	}, nil
}

// Run drains In in batches, applying the per-frame decode algorithm, until
// ctx is cancelled.
func (d *Decoder) Run(ctx context.Context) {
	log := logging.ForComponent(d.Channel, "decoder")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch := d.In.PopMany(d.BatchMax, d.PopTimeout)
		for _, frame := range batch {
			rec, ok := d.decodeOne(frame, log)
			if !ok {
				continue
			}
			d.Out.Push(rec)
			if d.RecordHub != nil {
				d.RecordHub.Broadcast(rec)
			}
			metrics.DecodedRecords.WithLabelValues(d.Channel).Inc()
		}
	}
}

func (d *Decoder) decodeOne(frame can.Frame, log *slog.Logger) (DecodedRecord, bool) {
	id := frame.ID()

	// Step 1: filter.
	if _, ok := d.filter[id]; !ok {
		return DecodedRecord{}, false
	}

	// Step 2: rate limit.
	if last, ok := d.lastDecoded[id]; ok && frame.Timestamp < last+d.minInterval {
		metrics.DecodeRateLimited.WithLabelValues(d.Channel).Inc()
		return DecodedRecord{}, false
	}

	// Step 3: record last-decoded before attempting decode.
	d.lastDecoded[id] = frame.Timestamp

	// Step 4: cross-bus filter.
	msg, ok := d.db.MessageByFrameID(id)
	if !ok {
		return DecodedRecord{}, false
	}
	if !msg.HasSender(d.busName) {
		return DecodedRecord{}, false
	}

	// Step 5: decode.
	values, err := dbc.DecodeMessage(msg, frame.Data)
	if err != nil {
		if _, logged := d.seenErrors[msg.Name]; !logged {
			d.seenErrors[msg.Name] = struct{}{}
			log.Warn("decode_failed", "message", msg.Name, "error", err)
			metrics.DecodeErrors.WithLabelValues(d.Channel, msg.Name).Inc()
		}
		return DecodedRecord{}, false
	}

	// Step 6: emit.
	return DecodedRecord{
		FrameID:   id,
		Message:   msg.Name,
		Signals:   values,
		Timestamp: frame.Timestamp,
	}, true
}
