package reader

import (
	"os"
	"time"

	"github.com/kstaniek/canserver/internal/asclog"
	"github.com/kstaniek/canserver/internal/can"
)

// ReplayDevice serves frames from a pre-recorded ASC trace, paced to wall
// time against the first frame's timestamp. It signals
// ErrEndOfReplay exactly once at EOF.
type ReplayDevice struct {
	frames    []can.Frame
	idx       int
	startWall time.Time
	firstTS   float64
	eofSignaled bool
	clock     clock
}

// OpenReplay loads an ASC file for replay.
func OpenReplay(path string) (*ReplayDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	frames, err := asclog.DecodeAll(f)
	if err != nil {
		return nil, err
	}
	rd := &ReplayDevice{frames: frames, clock: realClock{}}
	if len(frames) > 0 {
		rd.firstTS = frames[0].Timestamp
	}
	return rd, nil
}

func (r *ReplayDevice) Close() error { return nil }

// Recv returns the next replayed frame, sleeping until the elapsed wall
// clock matches the frame's offset from the first frame's timestamp. It
// returns ErrEndOfReplay once, on the call after the last frame.
func (r *ReplayDevice) Recv() (can.Frame, bool, error) {
	if r.idx >= len(r.frames) {
		if r.eofSignaled {
			return can.Frame{}, false, nil
		}
		r.eofSignaled = true
		return can.Frame{}, false, ErrEndOfReplay
	}
	if r.startWall.IsZero() {
		r.startWall = r.clock.Now()
	}
	frame := r.frames[r.idx]
	r.idx++

	target := frame.Timestamp - r.firstTS
	elapsed := r.clock.Now().Sub(r.startWall).Seconds()
	if wait := target - elapsed; wait > 0 {
		r.clock.Sleep(time.Duration(wait * float64(time.Second)))
	}
	return frame, true, nil
}
