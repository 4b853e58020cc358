package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/canserver/internal/asclog"
	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/config"
	"github.com/kstaniek/canserver/internal/decoder"
	"github.com/kstaniek/canserver/internal/diskstat"
	"github.com/kstaniek/canserver/internal/fanout"
	"github.com/kstaniek/canserver/internal/hub"
	"github.com/kstaniek/canserver/internal/queue"
	"github.com/kstaniek/canserver/internal/reader"
)

// Default queue capacities: the fifos favor freshness over durability, so
// these bound memory under sustained drop pressure rather than promising
// any particular buffering depth.
const (
	rxFifoCapacity     = 1024
	decodeFifoCapacity = 1024
	logFifoCapacity    = 1024
)

// channelPipeline is one CAN channel's full Reader -> Fan-out ->
// {Decoder, Archival Logger} chain, plus the control-plane handles main
// needs to register and shut it down.
type channelPipeline struct {
	channel    string
	reader     *reader.Reader
	fanout     *fanout.Fanout
	decoder    *decoder.Decoder
	logger     *asclog.Logger
	directives chan asclog.Directive
	decodedCh  chan decoder.DecodedRecord
}

// buildPipeline wires one channel's components from domain config, the
// process-level appConfig, and the shared raw-frame / decoded-record hubs.
func buildPipeline(
	ch config.ChannelConfig,
	idx int,
	dcfg *config.Config,
	acfg *appConfig,
	rawHub *hub.Hub[can.Frame],
	recordHub *hub.Hub[decoder.DecodedRecord],
) (*channelPipeline, error) {
	var dev reader.Device
	var err error
	if acfg.replay || acfg.bustype == "replay" {
		dev, err = reader.OpenReplay(fmt.Sprintf("test_data/%s_cleaned.asc", ch.Name))
	} else {
		dev, err = reader.OpenSocketCAN(ch.Name, 500000)
	}
	if err != nil {
		return nil, fmt.Errorf("opening device for %s: %w", ch.Name, err)
	}

	rxFifo := queue.NewDropPolicyQueue[can.Frame](rxFifoCapacity, queue.PolicyDropNewest)
	decodeFifo := queue.NewDropPolicyQueue[can.Frame](decodeFifoCapacity, queue.PolicyDropNewest)
	logFifo := queue.NewDropPolicyQueue[can.Frame](logFifoCapacity, queue.PolicyDropNewest)

	rd := reader.New(ch.Name, idx, dev, rxFifo)
	rd.BatchSize = acfg.batchSize
	rd.RawHub = rawHub

	running := &atomic.Bool{}
	fo := fanout.New(ch.Name, rxFifo, decodeFifo, logFifo, running)

	dec, err := decoder.Setup(dcfg.DBCFile, ch.BusName, ch.CANFilter, dcfg.DecodeInterval)
	if err != nil {
		return nil, fmt.Errorf("decoder setup for %s: %w", ch.Name, err)
	}
	dec.Channel = ch.Name
	dec.In = decodeFifo
	dec.Out = queue.NewDropPolicyQueue[decoder.DecodedRecord](decodeFifoCapacity, queue.PolicyDropNewest)
	dec.RecordHub = recordHub

	directives := make(chan asclog.Directive, 8)
	decodedForLogger := make(chan decoder.DecodedRecord, 256)

	gearIdle, err := time.ParseDuration(dcfg.Gear.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("vehicle_gear.idle_timeout: %w", err)
	}
	flagHold, err := time.ParseDuration(dcfg.FlagLog.HoldDuration)
	if err != nil {
		return nil, fmt.Errorf("flag_log.hold_duration: %w", err)
	}

	lg := asclog.New(ch.Name, acfg.logDir, logFifo, directives, decodedForLogger, running)
	lg.RestoreAutoOnRecovery = dcfg.AutoLogging.RestoreOnDiskRecovery
	logDir := acfg.logDir
	lg.DiskUsageFn = func() float64 {
		frac, err := diskstat.UsageFraction(logDir)
		if err != nil {
			return 0
		}
		return frac
	}
	lg.Gear = asclog.GearPolicy{
		MessageName:   dcfg.Gear.FrameName,
		SignalName:    dcfg.Gear.SignalName,
		DrivingStates: dcfg.GearDrivingStates(),
		IdleTimeout:   gearIdle,
	}
	lg.Flag = asclog.FlagPolicy{
		MessageName:  dcfg.FlagLog.FrameName,
		SignalName:   dcfg.FlagLog.SignalName,
		OnState:      dcfg.FlagLog.OnState,
		HoldDuration: flagHold,
	}
	lg.Auto = asclog.AutoPolicy{
		MessageName: dcfg.AutoLogging.FrameName,
		SignalName:  dcfg.AutoLogging.SignalName,
		OnState:     dcfg.AutoLogging.OnState,
	}

	return &channelPipeline{
		channel:    ch.Name,
		reader:     rd,
		fanout:     fo,
		decoder:    dec,
		logger:     lg,
		directives: directives,
		decodedCh:  decodedForLogger,
	}, nil
}

// run starts every goroutine of the pipeline and relays decoded records from
// the Decoder's output queue into the Logger's decoded-record input channel,
// since the two are wired through a queue-to-channel bridge rather than
// sharing a queue (the Logger needs signal values, not raw frames, off this
// stream).
func (p *channelPipeline) run(ctx context.Context, wg *sync.WaitGroup, log *slog.Logger) {
	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := p.reader.Run(ctx); err != nil {
			log.Warn("reader_stopped", "channel", p.channel, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		p.fanout.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		p.decoder.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		p.logger.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.bridgeDecoded(ctx)
	}()
}

func (p *channelPipeline) bridgeDecoded(ctx context.Context) {
	out := p.decoder.Out
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch := out.PopMany(50, time.Second)
		for _, rec := range batch {
			select {
			case p.decodedCh <- rec:
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}
