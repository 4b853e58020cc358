// Package control implements the minimal HTTP control surface that stands
// in for the external Control Plane: directive submission for the Archival
// Logger (start/stop/auto_on/auto_off/time_reset) routed to the
// right channel's Logger.
//
// Grounded on internal/metrics.StartHTTP's idiom (a small http.ServeMux
// wired into the same process, started and shut down alongside the
// Prometheus listener) rather than a new framework.
package control

import (
	"encoding/json"
	"net/http"

	"github.com/kstaniek/canserver/internal/asclog"
	"github.com/kstaniek/canserver/internal/logging"
	"github.com/kstaniek/canserver/internal/metrics"
)

// directiveNames maps the wire vocabulary to asclog.Directive values.
var directiveNames = map[string]asclog.Directive{
	"start":      asclog.DirectiveStart,
	"stop":       asclog.DirectiveStop,
	"auto_on":    asclog.DirectiveAutoOn,
	"auto_off":   asclog.DirectiveAutoOff,
	"time_reset": asclog.DirectiveTimeReset,
}

type directiveRequest struct {
	Channel   string `json:"channel"`
	Directive string `json:"directive"`
}

// Server routes POST /directive requests to the per-channel directive
// channel registered for that channel name.
type Server struct {
	mux     *http.ServeMux
	targets map[string]chan<- asclog.Directive
}

// NewServer constructs a control surface with no channels registered yet;
// call Register per channel before Handler() is served.
func NewServer() *Server {
	s := &Server{mux: http.NewServeMux(), targets: map[string]chan<- asclog.Directive{}}
	s.mux.HandleFunc("/directive", s.handleDirective)
	return s
}

// Register wires a channel name to the Logger's directive channel.
func (s *Server) Register(channel string, directives chan<- asclog.Directive) {
	s.targets[channel] = directives
}

// Handler returns the http.Handler to mount (e.g. alongside /metrics).
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleDirective(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req directiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	d, ok := directiveNames[req.Directive]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ch, ok := s.targets[req.Channel]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	select {
	case ch <- d:
		w.WriteHeader(http.StatusAccepted)
	default:
		metrics.IncError(metrics.ErrControlHTTP)
		logging.L().Warn("control_directive_dropped", "channel", req.Channel, "directive", req.Directive)
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}
