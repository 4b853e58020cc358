// Package config loads the per-deployment domain configuration (DBC path,
// decode interval, per-channel CAN filter/sender names, the two-CAN-bus
// "pican_duo" topology, gear/flag logging policy) from YAML, the way
// vburojevic-xcw's internal/config loads its own domain config: a
// viper.Viper instance, SetDefault per key, YAML unmarshal via mapstructure
// tags, then a Validate pass.
//
// This sits alongside, not instead of, the CLI+env flag layer each worker
// binary accepts directly, following cmd/canserver/config.go: CLI/env
// configures how a worker runs, this
// file configures what the vehicle means.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full domain configuration for one canserver deployment.
type Config struct {
	DBCFile        string         `mapstructure:"dbc_file"`
	DecodeInterval float64        `mapstructure:"decode_interval"`
	PicanDuo       bool           `mapstructure:"pican_duo"`
	Channels       []ChannelConfig `mapstructure:"channels"`
	Gear           GearConfig     `mapstructure:"vehicle_gear"`
	FlagLog        FlagLogConfig  `mapstructure:"flag_log"`
	AutoLogging    AutoLoggingConfig `mapstructure:"auto_logging"`
}

// ChannelConfig is the per-bus decode/filter configuration.
type ChannelConfig struct {
	Name        string   `mapstructure:"name"`
	BusName     string   `mapstructure:"bus_name"`
	CANFilter   []string `mapstructure:"can_filter"`
}

// GearConfig names the gear signal and which states count as "driving".
type GearConfig struct {
	FrameName     string   `mapstructure:"frame_name"`
	SignalName    string   `mapstructure:"signal_name"`
	LoggingStates []string `mapstructure:"logging_states"`
	IdleTimeout   string   `mapstructure:"idle_timeout"`
}

// FlagLogConfig names the signal whose held "on" state arms a flagged log
// rename on close.
type FlagLogConfig struct {
	FrameName    string `mapstructure:"frame_name"`
	SignalName   string `mapstructure:"signal_name"`
	OnState      string `mapstructure:"on_state"`
	HoldDuration string `mapstructure:"hold_duration"`
}

// AutoLoggingConfig configures two independent auto-logging behaviors: the
// disk-fullness recovery policy (whether auto-logging re-arms itself once
// disk usage recovers, or stays off until explicitly re-enabled) and the
// signal-driven auto-on/off trigger (a frame/signal reaching OnState sets
// the auto flag on, any other state sets it off — the signal-driven
// counterpart to the auto_on/auto_off directives). FrameName empty disables
// the signal-driven trigger.
type AutoLoggingConfig struct {
	RestoreOnDiskRecovery bool   `mapstructure:"restore_on_disk_recovery"`
	FrameName             string `mapstructure:"frame_name"`
	SignalName            string `mapstructure:"signal_name"`
	OnState               string `mapstructure:"on_value"`
}

// Default returns a Config with conservative defaults.
func Default() *Config {
	return &Config{
		DecodeInterval: 0.1,
		PicanDuo:       false,
		Gear: GearConfig{
			FrameName:   "VEHICLE_GEAR",
			SignalName:  "Gear",
			IdleTimeout: "2s",
		},
		FlagLog: FlagLogConfig{
			HoldDuration: "2s",
		},
		AutoLogging: AutoLoggingConfig{
			RestoreOnDiskRecovery: false,
		},
	}
}

// Load reads domain configuration from path (YAML), overlaying onto
// Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("decode_interval", cfg.DecodeInterval)
	v.SetDefault("pican_duo", cfg.PicanDuo)
	v.SetDefault("vehicle_gear.frame_name", cfg.Gear.FrameName)
	v.SetDefault("vehicle_gear.signal_name", cfg.Gear.SignalName)
	v.SetDefault("vehicle_gear.idle_timeout", cfg.Gear.IdleTimeout)
	v.SetDefault("flag_log.hold_duration", cfg.FlagLog.HoldDuration)
	v.SetDefault("auto_logging.restore_on_disk_recovery", cfg.AutoLogging.RestoreOnDiskRecovery)
	v.SetDefault("auto_logging.frame_name", cfg.AutoLogging.FrameName)
	v.SetDefault("auto_logging.signal_name", cfg.AutoLogging.SignalName)
	v.SetDefault("auto_logging.on_value", cfg.AutoLogging.OnState)

	v.SetEnvPrefix("CANSERVER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config values for basic correctness.
func (c *Config) Validate() error {
	if c.DBCFile == "" {
		return fmt.Errorf("config: dbc_file is required")
	}
	if _, err := os.Stat(c.DBCFile); err != nil {
		return fmt.Errorf("config: dbc_file %q: %w", c.DBCFile, err)
	}
	if c.DecodeInterval < 0 {
		return fmt.Errorf("config: decode_interval must be >= 0")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: at least one channel is required")
	}
	for _, ch := range c.Channels {
		if len(ch.CANFilter) == 0 {
			return fmt.Errorf("config: channel %q: can_filter must not be empty", ch.Name)
		}
	}
	if _, err := time.ParseDuration(c.Gear.IdleTimeout); err != nil {
		return fmt.Errorf("config: vehicle_gear.idle_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.FlagLog.HoldDuration); err != nil {
		return fmt.Errorf("config: flag_log.hold_duration: %w", err)
	}
	return nil
}

// GearDrivingStates returns the configured driving states as a set.
func (c *Config) GearDrivingStates() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Gear.LoggingStates))
	for _, s := range c.Gear.LoggingStates {
		out[s] = struct{}{}
	}
	return out
}
