// Package can defines the CAN frame representation shared across the
// pipeline: Reader, Fan-out, Decoder and the Archival Logger all operate on
// the same can.Frame value.
package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>).
const (
	EFFFlag = 0x80000000 // extended frame format (29-bit id)
	RTRFlag = 0x40000000 // remote transmission request
	ErrFlag = 0x20000000 // error frame
	SFFMask = 0x7FF      // 11-bit standard id mask
	EFFMask = 0x1FFFFFFF // 29-bit extended id mask
)

// Frame is an immutable CAN frame as it crosses the ingest-fan-out-decode-
// archive pipeline. Once constructed by the Reader it is never retagged:
// Channel is fixed for the lifetime of the value.
type Frame struct {
	// Channel identifies the originating bus (0 for can0, 1 for can1, ...).
	Channel int
	// CANID carries the arbitration id with the EFF/RTR flag bits set in its
	// upper bits, matching the raw SocketCAN can_id layout.
	CANID uint32
	// Len is the data length code, 0..8 for classic CAN.
	Len uint8
	// Data holds the first Len bytes of payload; the rest is undefined.
	Data [8]byte
	// Timestamp is a monotonic seconds-resolution capture time: either the
	// kernel receive time for a live bus, or the original frame's timestamp
	// when replayed from an ASC trace.
	Timestamp float64
	// RX is true for received frames. The pipeline never transmits (no bus
	// write/transmit is in scope), but the field is carried through ASC
	// round-trips because the wire format encodes direction.
	RX bool
}

// ID returns the arbitration id with the EFF/RTR/ERR flag bits masked off.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & EFFMask
	}
	return f.CANID & SFFMask
}

// Extended reports whether the frame carries a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&EFFFlag != 0 }

// CopyShallow returns an independent copy, handy in tests that mutate Data
// after capturing a Frame by value.
func (f Frame) CopyShallow() Frame {
	var g Frame
	g.Channel, g.CANID, g.Len, g.Timestamp, g.RX = f.Channel, f.CANID, f.Len, f.Timestamp, f.RX
	copy(g.Data[:], f.Data[:])
	return g
}
