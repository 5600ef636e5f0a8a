// Package config loads the fuzzer configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"

	"alma.local/covfuzz/scheduler"
)

// ===== Top-level =====

type Config struct {
	// Mode is simple, restarting or launcher.
	Mode   string   `mapstructure:"mode"`
	Target string   `mapstructure:"target"`
	// Command runs an external program instead of an in-process target.
	// "@@" is replaced by the path of the input file.
	Command []string `mapstructure:"command"`
	Cores   string   `mapstructure:"cores"`

	Log     Log     `mapstructure:"log"`
	Metrics Metrics `mapstructure:"metrics"`
	Engine  Engine  `mapstructure:"engine"`
	Stop    Stop    `mapstructure:"stop"`
	Ignore  Ignore  `mapstructure:"ignore"`
	Events  Events  `mapstructure:"events"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Metrics struct {
	// Addr is where /metrics is served; empty disables it.
	Addr string `mapstructure:"addr"`
}

// ===== Engine =====

// DefaultTimeout bounds each execution. A negative timeout disables the watchdog.
const DefaultTimeout = time.Second

type Engine struct {
	Seed         uint64        `mapstructure:"seed"`
	MapSize      int           `mapstructure:"map_size"`
	SeedDir      string        `mapstructure:"seed_dir"`
	SeedCount    int           `mapstructure:"seed_count"`
	SeedMaxLen   int           `mapstructure:"seed_max_len"`
	SolutionsDir string        `mapstructure:"solutions_dir"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxInputSize int           `mapstructure:"max_input_size"`
	OomExitCode  int           `mapstructure:"oom_exit_code"`

	CalibrationRuns    int `mapstructure:"calibration_runs"`
	CalibrationMaxRuns int `mapstructure:"calibration_max_runs"`

	Schedule       string                `mapstructure:"schedule"`
	Power          scheduler.PowerParams `mapstructure:"power"`
	BaseIterations int                   `mapstructure:"base_iterations"`
	MaxIterations  int                   `mapstructure:"max_iterations"`
	MaxStackPow    int                   `mapstructure:"max_stack_pow"`
}

// ===== Stop condition =====

type Stop struct {
	// Condition is never, first-solution, iterations, executions or duration.
	Condition  string        `mapstructure:"condition"`
	Iterations uint64        `mapstructure:"iterations"`
	Executions uint64        `mapstructure:"executions"`
	Duration   time.Duration `mapstructure:"duration"`
}

type Ignore struct {
	Crashes  bool `mapstructure:"crashes"`
	Ooms     bool `mapstructure:"ooms"`
	Timeouts bool `mapstructure:"timeouts"`
}

// ===== Events / shared memory =====

type Events struct {
	ReportInterval   time.Duration `mapstructure:"report_interval"`
	ChannelSize      int           `mapstructure:"channel_size"`
	Overflow         string        `mapstructure:"overflow"`
	StateRegionSize  int           `mapstructure:"state_region_size"`
	SnapshotInterval uint64        `mapstructure:"snapshot_interval"`
	BrokerPoll       time.Duration `mapstructure:"broker_poll"`
	RespawnDelay     time.Duration `mapstructure:"respawn_delay"`
}

// ===== Loader + defaults =====

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML document. Unknown keys are an error.
func Parse(b []byte) (*Config, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// power coefficients left out of the file keep their defaults
	c := Config{Engine: Engine{Power: scheduler.DefaultPowerParams()}}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(" "),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &c,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(normalize(raw)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// normalize turns the map[interface{}]interface{} nodes produced by
// yaml.v2 into string-keyed maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "simple"
	}
	if c.Target == "" && len(c.Command) == 0 {
		c.Target = "sentinel"
	}
	if c.Cores == "" {
		c.Cores = "0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	e := &c.Engine
	if e.MapSize <= 0 {
		e.MapSize = 1 << 16
	}
	if e.SeedCount <= 0 {
		e.SeedCount = 8
	}
	if e.SeedMaxLen <= 0 {
		e.SeedMaxLen = 32
	}
	if e.SolutionsDir == "" {
		e.SolutionsDir = "crashes"
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultTimeout
	}
	if e.MaxInputSize <= 0 {
		e.MaxInputSize = 1 << 20
	}
	if e.OomExitCode == 0 {
		e.OomExitCode = -1
	}
	if e.CalibrationRuns <= 0 {
		e.CalibrationRuns = 4
	}
	if e.CalibrationMaxRuns < e.CalibrationRuns {
		e.CalibrationMaxRuns = max(8, e.CalibrationRuns)
	}
	if e.Schedule == "" {
		e.Schedule = "explore"
	}
	if e.Power == (scheduler.PowerParams{}) {
		e.Power = scheduler.DefaultPowerParams()
	}
	if e.BaseIterations <= 0 {
		e.BaseIterations = 16
	}
	if e.MaxIterations <= 0 {
		e.MaxIterations = 1024
	}
	if e.MaxStackPow <= 0 {
		e.MaxStackPow = 7
	}

	if c.Stop.Condition == "" {
		c.Stop.Condition = "first-solution"
	}

	ev := &c.Events
	if ev.ReportInterval <= 0 {
		ev.ReportInterval = 15 * time.Second
	}
	if ev.ChannelSize <= 0 {
		ev.ChannelSize = 4 << 20
	}
	if ev.Overflow == "" {
		ev.Overflow = "drop"
	}
	if ev.StateRegionSize <= 0 {
		ev.StateRegionSize = 64 << 20
	}
	if ev.SnapshotInterval == 0 {
		ev.SnapshotInterval = 1
	}
	if ev.BrokerPoll <= 0 {
		ev.BrokerPoll = time.Millisecond
	}
	if ev.RespawnDelay <= 0 {
		ev.RespawnDelay = 100 * time.Millisecond
	}
}

// Validate rejects values that cannot be used.
func (c *Config) Validate() error {
	switch c.Mode {
	case "simple", "restarting", "launcher":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	switch c.Stop.Condition {
	case "never", "first-solution":
	case "iterations":
		if c.Stop.Iterations == 0 {
			return fmt.Errorf("config: stop.iterations must be set")
		}
	case "executions":
		if c.Stop.Executions == 0 {
			return fmt.Errorf("config: stop.executions must be set")
		}
	case "duration":
		if c.Stop.Duration <= 0 {
			return fmt.Errorf("config: stop.duration must be set")
		}
	default:
		return fmt.Errorf("config: unknown stop condition %q", c.Stop.Condition)
	}
	if _, err := scheduler.ParseSchedule(c.Engine.Schedule); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Engine.MapSize&(c.Engine.MapSize-1) != 0 {
		return fmt.Errorf("config: map_size %d is not a power of two", c.Engine.MapSize)
	}
	return nil
}
