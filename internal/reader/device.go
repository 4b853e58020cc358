// Package reader implements the Reader component: safe frame
// acquisition from a SocketCAN interface or an ASC replay file, batched into
// rx_fifo, with FPS accounting.
package reader

import (
	"errors"
	"time"

	"github.com/kstaniek/canserver/internal/can"
)

// ErrIO reports a failure bringing up or reading from a device.
var ErrIO = errors.New("reader: io error")

// ErrEndOfReplay is returned exactly once by a ReplayDevice's Recv when the
// replay file is exhausted.
var ErrEndOfReplay = errors.New("reader: end of replay")

// Device is the Reader's bus abstraction: either a live SocketCAN interface
// or a paced ASC replay file.
type Device interface {
	// Recv blocks until a frame arrives, the bus reports a transient error
	// (ok=false, err=nil, frame dropped, pipeline continues), or a fatal
	// condition occurs (err != nil, e.g. ErrEndOfReplay).
	Recv() (frame can.Frame, ok bool, err error)
	Close() error
}

// openSocketCANDevice is a package variable (not a constant function call)
// so tests can substitute a fake device without needing a real kernel
// socket, mirroring go-ampio-server's dependency-injection pattern in
// cmd/can-server/backend_socketcan.go.
var openSocketCANDevice = func(channel string, bitrateBPS int) (Device, error) {
	return openSocketCAN(channel, bitrateBPS)
}

// OpenSocketCAN opens a live SocketCAN device for iface, through the
// injectable openSocketCANDevice hook.
func OpenSocketCAN(iface string, bitrateBPS int) (Device, error) {
	return openSocketCANDevice(iface, bitrateBPS)
}

// clock abstracts time.Now/time.Sleep for replay pacing tests.
type clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
