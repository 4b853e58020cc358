package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// appConfig is the process-level, ambient configuration (listen addresses,
// log format, batch sizes, timeouts) accepted as CLI flags with
// CANSERVER_*-style env overrides. Per-vehicle domain configuration (DBC
// path, gear/flag policy, channel filters) lives in internal/config and is
// loaded separately from the --config YAML file.
type appConfig struct {
	channels       []string
	bustype        string
	batchSize      int
	replay         bool
	logDir         string
	pandaBind      string
	controlAddr    string
	metricsAddr    string
	broadcastURL   string
	configFile     string
	logFormat      string
	logLevel       string
	logMetricsEvery time.Duration
	mdnsEnable     bool
	mdnsName       string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	channels := flag.String("channel", "can0", "Comma-separated CAN channel names (e.g. can0,can1)")
	bustype := flag.String("bustype", "socketcan", "Bus backend: socketcan|replay")
	batchSize := flag.Int("batch-size", 100, "Reader batch size before a queue flush")
	replay := flag.Bool("test", false, "Replay from test_data/<channel>_cleaned.asc instead of a live bus")
	logDir := flag.String("log-dir", "./logs", "Archival Logger output directory")
	pandaBind := flag.String("panda-bind", ":1338", "UDP Fan-out bind address")
	controlAddr := flag.String("control-addr", ":8081", "Control Plane HTTP listen address")
	metricsAddr := flag.String("metrics-addr", ":9100", "Metrics HTTP listen address (empty disables)")
	broadcastURL := flag.String("server", "", "Broadcast hub base URL for the external Publisher (empty disables)")
	configFile := flag.String("config", "config.yaml", "Domain configuration YAML path")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default canserver-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.channels = splitChannels(*channels)
	cfg.bustype = *bustype
	cfg.batchSize = *batchSize
	cfg.replay = *replay
	cfg.logDir = *logDir
	cfg.pandaBind = *pandaBind
	cfg.controlAddr = *controlAddr
	cfg.metricsAddr = *metricsAddr
	cfg.broadcastURL = *broadcastURL
	cfg.configFile = *configFile
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func splitChannels(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.bustype {
	case "socketcan", "replay":
	default:
		return fmt.Errorf("invalid bustype: %s", c.bustype)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if len(c.channels) == 0 {
		return errors.New("at least one --channel is required")
	}
	if c.batchSize <= 0 {
		return fmt.Errorf("batch-size must be > 0 (got %d)", c.batchSize)
	}
	if c.configFile == "" {
		return errors.New("--config is required")
	}
	return nil
}

// applyEnvOverrides maps CANSERVER_* environment variables to config fields
// unless the corresponding flag was explicitly set (flag wins over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["channel"]; !ok {
		if v, ok := get("CANSERVER_CHANNEL"); ok && v != "" {
			c.channels = splitChannels(v)
		}
	}
	if _, ok := set["bustype"]; !ok {
		if v, ok := get("CANSERVER_BUSTYPE"); ok && v != "" {
			c.bustype = v
		}
	}
	if _, ok := set["batch-size"]; !ok {
		if v, ok := get("CANSERVER_BATCH_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.batchSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANSERVER_BATCH_SIZE: %w", err)
			}
		}
	}
	if _, ok := set["test"]; !ok {
		if v, ok := get("CANSERVER_TEST"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.replay = true
			case "0", "false", "no", "off":
				c.replay = false
			}
		}
	}
	if _, ok := set["log-dir"]; !ok {
		if v, ok := get("CANSERVER_LOG_DIR"); ok && v != "" {
			c.logDir = v
		}
	}
	if _, ok := set["panda-bind"]; !ok {
		if v, ok := get("CANSERVER_PANDA_BIND"); ok && v != "" {
			c.pandaBind = v
		}
	}
	if _, ok := set["control-addr"]; !ok {
		if v, ok := get("CANSERVER_CONTROL_ADDR"); ok && v != "" {
			c.controlAddr = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANSERVER_METRICS_ADDR"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["server"]; !ok {
		if v, ok := get("CANSERVER_SERVER"); ok {
			c.broadcastURL = v
		}
	}
	if _, ok := set["config"]; !ok {
		if v, ok := get("CANSERVER_CONFIG"); ok && v != "" {
			c.configFile = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CANSERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CANSERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CANSERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANSERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CANSERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CANSERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
