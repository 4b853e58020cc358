package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/canserver/internal/can"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New[can.Frame]()
	cl := &Client[can.Frame]{Out: make(chan can.Frame, 4), Closed: make(chan struct{})}
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate a slow client.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.Frame{CANID: 0x123 | can.EFFFlag})
	}
	elapsed := time.Since(start)
	if elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New[can.Frame]()
	slow := &Client[can.Frame]{Out: make(chan can.Frame, 1), Closed: make(chan struct{})}
	fast := &Client[can.Frame]{Out: make(chan can.Frame, 16), Closed: make(chan struct{})}
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	h.Broadcast(can.Frame{CANID: 0x1 | can.EFFFlag})
	select {
	case <-slow.Out:
		// shouldn't happen; we intentionally don't read
	default:
	}

	for i := 0; i < 10; i++ {
		h.Broadcast(can.Frame{CANID: 0x2 | can.EFFFlag})
	}

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-fast.Out:
			got++
			if got >= 5 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if got == 0 {
		t.Fatalf("fast client did not receive any frames while slow was backpressured")
	}
}

func TestHub_Kick(t *testing.T) {
	h := New[can.Frame]()
	h.Policy = PolicyKick
	var kicked int
	h.Hooks.OnKick = func() { kicked++ }
	cl := &Client[can.Frame]{Out: make(chan can.Frame, 1), Closed: make(chan struct{})}
	h.Add(cl)
	h.Broadcast(can.Frame{CANID: 1})
	h.Broadcast(can.Frame{CANID: 2})
	select {
	case <-cl.Closed:
	default:
		t.Fatalf("expected client to be closed under kick policy")
	}
	if kicked != 1 {
		t.Fatalf("OnKick called %d times, want 1", kicked)
	}
}
