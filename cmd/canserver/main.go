package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/canserver/internal/broadcasthub"
	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/config"
	"github.com/kstaniek/canserver/internal/control"
	"github.com/kstaniek/canserver/internal/decoder"
	"github.com/kstaniek/canserver/internal/hub"
	"github.com/kstaniek/canserver/internal/metrics"
	"github.com/kstaniek/canserver/internal/panda"
)

// Helper implementations moved to dedicated files: version.go, config.go,
// logger.go, metrics_logger.go, discovery.go, pipeline.go.

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("canserver %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 1
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	dcfg, err := config.Load(cfg.configFile)
	if err != nil {
		l.Error("domain_config_error", "error", err)
		return 1
	}

	// SIGINT is masked for the duration of worker spawn: a signal arriving
	// mid-startup (e.g. a human hitting ctrl-C twice) must not race a
	// half-built pipeline into shutdown. signal.Notify is installed only
	// after every worker is up.
	signal.Ignore(syscall.SIGINT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	rawHub := hub.New[can.Frame]()
	recordHub := hub.New[decoder.DecodedRecord]()

	channels := dcfg.Channels
	if len(channels) == 0 {
		l.Error("domain_config_error", "error", "no channels configured")
		return 1
	}

	pipelines := make([]*channelPipeline, 0, len(channels))
	controlSrv := control.NewServer()
	for idx, ch := range channels {
		if idx == 1 && !dcfg.PicanDuo {
			break
		}
		p, err := buildPipeline(ch, idx, dcfg, cfg, rawHub, recordHub)
		if err != nil {
			l.Error("pipeline_init_error", "channel", ch.Name, "error", err)
			return 1
		}
		controlSrv.Register(ch.Name, p.directives)
		pipelines = append(pipelines, p)
	}

	for _, p := range pipelines {
		p.run(ctx, &wg, l)
	}

	pandaSrv, err := panda.Listen(cfg.pandaBind)
	if err != nil {
		l.Error("panda_listen_error", "error", err)
		return 1
	}
	pandaClient := rawHub.NewClient()
	wg.Add(1)
	go func() {
		defer wg.Done()
		pandaSrv.Run(ctx, pandaClient.Out)
	}()

	if cfg.broadcastURL != "" {
		pub := broadcasthub.New(cfg.broadcastURL)
		startBroadcastBridge(ctx, pub, rawHub, recordHub, &wg)
	}

	ctrlHTTP := &httpServerWrapper{addr: cfg.controlAddr, handler: controlSrv.Handler()}
	ctrlHTTP.start(l)
	defer ctrlHTTP.shutdown()

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsHTTP.Shutdown(context.Background()) }()
	}

	var mdnsCleanup func()
	if cfg.mdnsEnable {
		pandaPort := portFromAddr(cfg.pandaBind)
		cleanup, err := startMDNS(ctx, cfg, pandaPort)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			mdnsCleanup = cleanup
			l.Info("mdns_started", "port", pandaPort)
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Reset(syscall.SIGINT)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if mdnsCleanup != nil {
		mdnsCleanup()
	}
	_ = pandaSrv.Conn.Close()
	wg.Wait()

	if s == syscall.SIGINT {
		return 130
	}
	return 0
}

func portFromAddr(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}

// startBroadcastBridge drains raw-frame and decoded-record hub clients and
// batches them to the external Publisher every second, so a down collector
// costs one goroutine's backlog rather than pipeline backpressure.
func startBroadcastBridge(ctx context.Context, pub broadcasthub.Publisher, rawHub *hub.Hub[can.Frame], recordHub *hub.Hub[decoder.DecodedRecord], wg *sync.WaitGroup) {
	rawClient := rawHub.NewClient()
	recClient := recordHub.NewClient()
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var frames []can.Frame
		var records []decoder.DecodedRecord
		flush := func() {
			if len(frames) > 0 {
				_ = pub.PublishFrames("all", frames)
				frames = frames[:0]
			}
			if len(records) > 0 {
				_ = pub.PublishDecoded("all", records)
				records = records[:0]
			}
		}
		for {
			select {
			case <-ctx.Done():
				flush()
				return
			case f := <-rawClient.Out:
				frames = append(frames, f)
			case r := <-recClient.Out:
				records = append(records, r)
			case <-ticker.C:
				flush()
			}
		}
	}()
}
