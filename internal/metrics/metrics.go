// Package metrics exposes the pipeline's Prometheus surface: the
// observability floor: every queue drop and every stage rate is countable. Structure (promauto registration, local atomic mirrors for
// cheap periodic logging, a readiness hook, an HTTP server with /metrics and
// /ready) is kept from go-ampio-server's internal/metrics, generalized from a
// fixed serial/socketcan/TCP vocabulary to the five pipeline stages
// (reader, fan-out, decoder, asclog, panda) plus per-channel labels.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/canserver/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series. Per-channel cardinality is bounded: channels are
// can0/can1, never user-controlled beyond that.
var (
	ReaderRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reader_rx_frames_total",
		Help: "Total CAN frames received by the Reader.",
	}, []string{"channel"})
	ReaderBusErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reader_bus_errors_total",
		Help: "Total transient bus errors swallowed by the Reader.",
	}, []string{"channel"})

	DecodeFifoDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decode_fifo_dropped_total",
		Help: "Total frames dropped by the decode_fifo DropPolicyQueue.",
	}, []string{"channel"})
	LogFifoDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "log_fifo_dropped_total",
		Help: "Total frames dropped by the log_fifo DropPolicyQueue while logging is active.",
	}, []string{"channel"})

	DecodedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decoded_records_total",
		Help: "Total DecodedRecord values emitted by the Decoder.",
	}, []string{"channel"})
	DecodeRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decode_rate_limited_total",
		Help: "Total frames discarded by the Decoder's per-id rate limit.",
	}, []string{"channel"})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decode_errors_total",
		Help: "Total DBC decode failures, counted once per message name.",
	}, []string{"channel", "message"})

	LoggerActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asclog_active",
		Help: "1 if the archival logger has an open session on this channel, else 0.",
	}, []string{"channel"})
	LoggerFramesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asclog_frames_written_total",
		Help: "Total frames appended to an ASC session.",
	}, []string{"channel"})
	LoggerDiskFullLatched = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "asclog_disk_full",
		Help: "1 if the disk-fullness latch is currently engaged.",
	}, []string{"channel"})

	PandaClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panda_clients",
		Help: "Current number of connected Panda UDP clients.",
	})
	PandaFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panda_frames_sent_total",
		Help: "Total wire-frames sent to Panda UDP clients.",
	})
	PandaMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panda_malformed_datagrams_total",
		Help: "Total inbound Panda datagrams ignored as malformed or unknown opcode.",
	})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrSocketCANOpen = "socketcan_open"
	ErrSocketCANRead = "socketcan_read"
	ErrDBCLoad       = "dbc_load"
	ErrAscWrite      = "asclog_write"
	ErrAscRename     = "asclog_rename"
	ErrPandaSocket   = "panda_socket"
	ErrControlHTTP   = "control_http"
	ErrReplayRead    = "replay_read"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap non-Prometheus periodic logging.
var localErrors uint64

// Snapshot is a cheap aggregate copy for the periodic log line.
type Snapshot struct {
	Errors uint64
}

// Snap returns the current aggregate snapshot.
func Snap() Snapshot {
	return Snapshot{Errors: atomic.LoadUint64(&localErrors)}
}

// IncError increments the error counter for a subsystem label.
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first error of a kind doesn't pay first-touch registration
// latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrSocketCANOpen, ErrSocketCANRead, ErrDBCLoad, ErrAscWrite,
		ErrAscRename, ErrPandaSocket, ErrControlHTTP, ErrReplayRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
