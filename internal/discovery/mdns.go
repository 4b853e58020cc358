// Package discovery advertises this canserver instance over mDNS, so
// operator tooling on the same LAN can find the Panda UDP endpoint without
// static configuration. Only the Panda UDP port is advertised, with the
// build version and commit as TXT records.
//
// Adapted directly from go-ampio-server's cmd/can-server/mdns.go: same
// zeroconf.Register call shape, same ctx-driven shutdown goroutine.
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_canserver._udp"

// Config controls whether and how the service is advertised.
type Config struct {
	Enabled bool
	Name    string
	Version string
	Commit  string
}

// Start registers the service via mDNS and returns a shutdown function. It
// is safe to call even when disabled (returns a no-op shutdown).
func Start(ctx context.Context, cfg Config, port int) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	instance := cfg.Name
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("canserver-%s", host)
	}
	meta := []string{
		"version=" + cfg.Version,
		"commit=" + cfg.Commit,
	}
	svc, err := zeroconf.Register(instance, serviceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
