// The Archival Logger state machine: start/stop/auto-start
// directives, gear-driven auto-start/stop evaluated on the decoded stream,
// flag-log pulse arming, disk-fullness gating, and flagged rename-on-close.
//
// Grounded on original_source/can_logger.py (ASCWriter-backed write thread,
// running flag published to the reader) and can_logger_client.py (the
// start/stop/auto_on/auto_off/time_reset directive handlers and the
// gear-driven vehicle_stats callback). The two separate Python processes
// (write thread vs. Socket.IO control loop) become two goroutines here,
// coordinated by a mutex instead of pipes.
package asclog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/decoder"
	"github.com/kstaniek/canserver/internal/fps"
	"github.com/kstaniek/canserver/internal/logging"
	"github.com/kstaniek/canserver/internal/metrics"
	"github.com/kstaniek/canserver/internal/queue"
)

// Directive is a control-plane command understood by the Logger.
type Directive int

const (
	DirectiveStart Directive = iota
	DirectiveStop
	DirectiveAutoOn
	DirectiveAutoOff
	DirectiveTimeReset
)

// GearPolicy configures gear-driven auto-start/stop.
type GearPolicy struct {
	MessageName  string
	SignalName   string
	DrivingStates map[string]struct{}
	IdleTimeout  time.Duration // stop after this long without a driving-gear frame
}

// FlagPolicy configures the flag-log pulse: a signal held "on" for at least
// HoldDuration arms the flag bit for the current session.
type FlagPolicy struct {
	MessageName  string
	SignalName   string
	OnState      string
	HoldDuration time.Duration
}

// AutoPolicy configures the signal-driven auto-on/off trigger: a signal at
// OnState sets the auto flag on (unless disk-full), any other state sets it
// off. This is the signal-driven counterpart to the auto_on/auto_off
// directives, distinct from GearPolicy (which starts/stops a session
// directly) and FlagPolicy (which arms the flagged-rename bit).
type AutoPolicy struct {
	MessageName string
	SignalName  string
	OnState     string
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateActive
)

// session is the open ASC file for one ACTIVE period.
type session struct {
	path    string
	file    *os.File
	flagged bool
}

// Logger drains log_fifo into a session file and tracks gear/flag/disk-full
// policy against the decoded-record stream.
type Logger struct {
	Channel string
	LogDir  string

	// RestoreAutoOnRecovery governs whether the auto flag re-arms itself
	// once disk usage falls back to <=90% after a disk-full stop, or stays
	// off until the user explicitly sends auto_on. Default false: require
	// explicit re-enable.
	RestoreAutoOnRecovery bool

	Gear GearPolicy
	Flag FlagPolicy
	Auto AutoPolicy

	// DiskUsageFn reports current disk usage as a fraction in [0,1]; swapped
	// out in tests. nil means "never full".
	DiskUsageFn func() float64

	In         *queue.DropPolicyQueue[can.Frame]
	Directives <-chan Directive
	Decoded    <-chan decoder.DecodedRecord

	// Running is the single-writer flag the Fan-out reads to decide whether
	// log_fifo drops are worth counting.
	Running *atomic.Bool

	mu              sync.Mutex
	state           sessionState
	sess            *session
	autoEnabled     bool
	diskFullLatched bool
	lastDrivingSeen time.Time
	flagSince       time.Time

	fpsCounter *fps.Counter
}

// New constructs a Logger. Directives and Decoded may be nil if those
// features are not wired (e.g. in isolated tests of the write path).
func New(channel, logDir string, in *queue.DropPolicyQueue[can.Frame], directives <-chan Directive, decoded <-chan decoder.DecodedRecord, running *atomic.Bool) *Logger {
	return &Logger{
		Channel:    channel,
		LogDir:     logDir,
		In:         in,
		Directives: directives,
		Decoded:    decoded,
		Running:    running,
		fpsCounter: fps.NewFPSCounter(logging.ForComponent(channel, "asclog"), "log", 10*time.Second),
	}
}

// Run drives both the control loop (directives, decoded policy evaluation,
// disk watch) and the write loop (draining In into the active session)
// until ctx is cancelled.
func (l *Logger) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.controlLoop(ctx) }()
	go func() { defer wg.Done(); l.writeLoop(ctx) }()
	wg.Wait()
}

func (l *Logger) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopLocked(false)
			l.mu.Unlock()
			return
		case d, ok := <-l.Directives:
			if !ok {
				l.Directives = nil
				continue
			}
			l.handleDirective(d)
		case rec, ok := <-l.Decoded:
			if !ok {
				l.Decoded = nil
				continue
			}
			l.observeDecoded(rec)
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Logger) writeLoop(ctx context.Context) {
	log := logging.ForComponent(l.Channel, "asclog")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch := l.In.PopMany(200, time.Second)
		if len(batch) == 0 {
			continue
		}
		l.mu.Lock()
		sess := l.sess
		l.mu.Unlock()
		if sess == nil {
			continue
		}
		for _, f := range batch {
			if err := EncodeTo(sess.file, f); err != nil {
				metrics.IncError(metrics.ErrAscWrite)
				log.Error("asc_write_failed", "error", err)
				l.mu.Lock()
				l.stopLocked(false)
				l.mu.Unlock()
				break
			}
		}
		metrics.LoggerFramesWritten.WithLabelValues(l.Channel).Add(float64(len(batch)))
		l.fpsCounter.Count(uint64(len(batch)))
	}
}

func (l *Logger) handleDirective(d Directive) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch d {
	case DirectiveStart:
		if l.state == stateIdle {
			l.startLocked()
		}
	case DirectiveStop:
		if l.state == stateActive {
			l.stopLocked(false)
		}
	case DirectiveAutoOn:
		if !l.diskFullLatched {
			l.autoEnabled = true
		}
	case DirectiveAutoOff:
		l.autoEnabled = false
	case DirectiveTimeReset:
		l.lastDrivingSeen = time.Now()
		l.flagSince = time.Time{}
		l.fpsCounter.Reset()
	}
}

func (l *Logger) observeDecoded(rec decoder.DecodedRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Gear.MessageName != "" && rec.Message == l.Gear.MessageName {
		for _, sig := range rec.Signals {
			if sig.Name != l.Gear.SignalName || !sig.HasEnum {
				continue
			}
			_, driving := l.Gear.DrivingStates[sig.State]
			if driving {
				l.lastDrivingSeen = time.Now()
				if l.state == stateIdle && l.autoEnabled && !l.diskFullLatched {
					l.startLocked()
				}
			} else if l.state == stateActive && l.autoEnabled {
				l.stopLocked(false)
			}
		}
	}

	if l.Flag.MessageName != "" && rec.Message == l.Flag.MessageName && l.state == stateActive {
		for _, sig := range rec.Signals {
			if sig.Name != l.Flag.SignalName {
				continue
			}
			if sig.HasEnum && sig.State == l.Flag.OnState {
				if l.flagSince.IsZero() {
					l.flagSince = time.Now()
				}
			} else if !l.flagArmedLocked() {
				// Once held for HoldDuration the flag stays armed for the
				// rest of the session; only a shorter pulse is discarded.
				l.flagSince = time.Time{}
			}
		}
	}

	if l.Auto.MessageName != "" && rec.Message == l.Auto.MessageName {
		for _, sig := range rec.Signals {
			if sig.Name != l.Auto.SignalName {
				continue
			}
			if sig.HasEnum && sig.State == l.Auto.OnState {
				if !l.diskFullLatched {
					l.autoEnabled = true
				}
			} else {
				l.autoEnabled = false
			}
		}
	}
}

func (l *Logger) tick() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Gear.IdleTimeout > 0 && l.state == stateActive && l.autoEnabled &&
		!l.lastDrivingSeen.IsZero() && time.Since(l.lastDrivingSeen) > l.Gear.IdleTimeout {
		l.stopLocked(false)
	}

	if l.DiskUsageFn == nil {
		return
	}
	usage := l.DiskUsageFn()
	switch {
	case usage > 0.9 && !l.diskFullLatched:
		l.diskFullLatched = true
		l.autoEnabled = false
		metrics.LoggerDiskFullLatched.WithLabelValues(l.Channel).Set(1)
		if l.state == stateActive {
			l.stopLocked(false)
		}
	case usage <= 0.9 && l.diskFullLatched:
		l.diskFullLatched = false
		metrics.LoggerDiskFullLatched.WithLabelValues(l.Channel).Set(0)
		if l.RestoreAutoOnRecovery {
			l.autoEnabled = true
		}
	}
}

// flagArmedLocked reports whether the flag-log pulse has been held long enough
// to arm the flag bit for the current session.
func (l *Logger) flagArmedLocked() bool {
	return !l.flagSince.IsZero() && time.Since(l.flagSince) >= l.Flag.HoldDuration && l.Flag.HoldDuration > 0
}

func (l *Logger) startLocked() {
	if l.diskFullLatched {
		return
	}
	now := time.Now()
	name := fmt.Sprintf("%s_%s.asc", now.Format("2006-01-02_15.04.05"), l.Channel)
	path := filepath.Join(l.LogDir, name)
	if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
		metrics.IncError(metrics.ErrAscWrite)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		metrics.IncError(metrics.ErrAscWrite)
		return
	}
	l.sess = &session{path: path, file: f}
	l.state = stateActive
	l.lastDrivingSeen = now
	l.flagSince = time.Time{}
	if l.Running != nil {
		l.Running.Store(true)
	}
	metrics.LoggerActive.WithLabelValues(l.Channel).Set(1)
	logging.ForComponent(l.Channel, "asclog").Info("log_started", "path", path)
}

func (l *Logger) stopLocked(forceFlag bool) {
	if l.state != stateActive || l.sess == nil {
		return
	}
	armed := forceFlag || l.flagArmedLocked()
	sess := l.sess
	_ = sess.file.Sync()
	_ = sess.file.Close()

	if armed {
		flaggedDir := filepath.Join(l.LogDir, "flagged")
		if err := os.MkdirAll(flaggedDir, 0o755); err == nil {
			dst := filepath.Join(flaggedDir, filepath.Base(sess.path))
			if err := os.Rename(sess.path, dst); err != nil {
				metrics.IncError(metrics.ErrAscRename)
			} else {
				sess.flagged = true
			}
		}
	}

	l.sess = nil
	l.state = stateIdle
	l.flagSince = time.Time{}
	if l.Running != nil {
		l.Running.Store(false)
	}
	metrics.LoggerActive.WithLabelValues(l.Channel).Set(0)
	logging.ForComponent(l.Channel, "asclog").Info("log_stopped", "path", sess.path, "flagged", armed)
}
