package reader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/queue"
)

type fakeDevice struct {
	mu     sync.Mutex
	frames []can.Frame
	idx    int
	closed bool
}

func (d *fakeDevice) Recv() (can.Frame, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.frames) {
		time.Sleep(time.Millisecond)
		return can.Frame{}, false, nil
	}
	f := d.frames[d.idx]
	d.idx++
	return f, true, nil
}

func (d *fakeDevice) Close() error { d.closed = true; return nil }

func TestReaderBatchesIntoOut(t *testing.T) {
	frames := make([]can.Frame, 250)
	for i := range frames {
		frames[i] = can.Frame{CANID: uint32(i)}
	}
	dev := &fakeDevice{frames: frames}
	out := queue.NewDropPolicyQueue[can.Frame](1000, queue.PolicyDropNewest)
	r := New("can0", 0, dev, out)
	r.BatchSize = 100
	r.FlushInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for out.Len() < 250 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for frames, got %d", out.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestReaderPropagatesEndOfReplay(t *testing.T) {
	rd := &ReplayDevice{frames: nil, clock: realClock{}}
	out := queue.NewDropPolicyQueue[can.Frame](10, queue.PolicyDropNewest)
	r := New("can0", 0, rd, out)
	err := r.Run(context.Background())
	if err != ErrEndOfReplay {
		t.Fatalf("got err=%v, want ErrEndOfReplay", err)
	}
}
