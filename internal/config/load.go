package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"netqual/internal/schedule"
)

// EnvPath names the environment variable consulted when no --config flag is given.
const EnvPath = "NETQUAL_CONFIG"

const (
	DefaultBandwidthTimeout = 30 * time.Second
	DefaultServerCount      = 5
	DefaultRepeats          = 1
	DefaultMaxConnections   = 4

	DefaultSampleCount    = 5
	DefaultSampleTimeout  = 2 * time.Second
	DefaultSampleInterval = 200 * time.Millisecond
	DefaultGrace          = 3 * time.Second
	DefaultTCPPort        = 443

	DefaultProgressTick = 50 * time.Millisecond
	DefaultRampStep     = 20 * time.Millisecond

	DefaultLogDriver  = "csv"
	DefaultLogPath    = "speedtest_history.csv"
	DefaultSQLitePath = "speedtest_history.db"

	DefaultWatchSchedule = "30m"

	maxSampleCount = 100
)

// DefaultTargets are used when the config lists none.
func DefaultTargets() []TargetConfig {
	return []TargetConfig{
		{Name: "AWS Tokyo", Host: "ec2.ap-northeast-1.amazonaws.com"},
		{Name: "AWS Singapore", Host: "ec2.ap-southeast-1.amazonaws.com"},
	}
}

// Default returns a fully normalized built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// ResolvePath picks the config file: the explicit flag, then $NETQUAL_CONFIG.
// An empty result means built-in defaults.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(EnvPath))
}

// Load reads, normalizes and validates the config at path.
// An empty path yields Default().
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes JSON or YAML (chosen by the path's extension), applies
// defaults and validates. Unknown fields are rejected.
func Parse(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills omitted fields with defaults. Duration strings are left for
// Durations to parse so that invalid values are still reported.
func (c *Config) Normalize() {
	if len(c.Targets) == 0 {
		c.Targets = DefaultTargets()
	}
	for i := range c.Targets {
		c.Targets[i].Name = strings.TrimSpace(c.Targets[i].Name)
		c.Targets[i].Host = strings.TrimSpace(c.Targets[i].Host)
	}

	b := &c.Bandwidth
	if strings.TrimSpace(b.Timeout) == "" {
		b.Timeout = DefaultBandwidthTimeout.String()
	}
	if b.ServerCount <= 0 {
		b.ServerCount = DefaultServerCount
	}
	if b.Repeats <= 0 {
		b.Repeats = DefaultRepeats
	}
	if b.MaxConnections <= 0 {
		b.MaxConnections = DefaultMaxConnections
	}
	if b.SavingMode == nil {
		on := true
		b.SavingMode = &on
	}

	l := &c.Latency
	if l.Count <= 0 {
		l.Count = DefaultSampleCount
	}
	if strings.TrimSpace(l.SampleTimeout) == "" {
		l.SampleTimeout = DefaultSampleTimeout.String()
	}
	if strings.TrimSpace(l.Interval) == "" {
		l.Interval = DefaultSampleInterval.String()
	}
	if strings.TrimSpace(l.Grace) == "" {
		l.Grace = DefaultGrace.String()
	}
	l.Method = strings.ToLower(strings.TrimSpace(l.Method))
	if l.Method == "" {
		l.Method = "icmp"
	}
	if l.TCPPort <= 0 {
		l.TCPPort = DefaultTCPPort
	}

	if strings.TrimSpace(c.Progress.Tick) == "" {
		c.Progress.Tick = DefaultProgressTick.String()
	}
	if strings.TrimSpace(c.Progress.RampStep) == "" {
		c.Progress.RampStep = DefaultRampStep.String()
	}

	c.Log.Driver = strings.ToLower(strings.TrimSpace(c.Log.Driver))
	if c.Log.Driver == "" {
		c.Log.Driver = DefaultLogDriver
	}
	if strings.TrimSpace(c.Log.Path) == "" {
		c.Log.Path = DefaultLogPath
		if c.Log.Driver == "sqlite" {
			c.Log.Path = DefaultSQLitePath
		}
	}

	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Console == nil {
		on := true
		c.Logging.Console = &on
	}

	if strings.TrimSpace(c.Watch.Schedule) == "" {
		c.Watch.Schedule = DefaultWatchSchedule
	}
}

// Validate reports the first invalid field, named by its path.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name: required", i)
		}
		if t.Host == "" {
			return fmt.Errorf("targets[%d].host: required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("targets[%d].name: duplicate %q", i, t.Name)
		}
		seen[t.Name] = true
	}

	if c.Latency.Count > maxSampleCount {
		return fmt.Errorf("latency.count: must be <= %d", maxSampleCount)
	}
	switch c.Latency.Method {
	case "icmp", "tcp":
	default:
		return fmt.Errorf("latency.method: unknown %q (use icmp or tcp)", c.Latency.Method)
	}
	if c.Latency.TCPPort > 65535 {
		return fmt.Errorf("latency.tcp_port: out of range")
	}

	switch c.Log.Driver {
	case "csv", "sqlite":
	default:
		return fmt.Errorf("log.driver: unknown %q (use csv or sqlite)", c.Log.Driver)
	}

	if _, err := c.Durations(); err != nil {
		return err
	}
	if _, err := schedule.Parse(c.Watch.Schedule); err != nil {
		return fmt.Errorf("watch.schedule: %w", err)
	}
	if tz := strings.TrimSpace(c.Watch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("watch.timezone: %w", err)
		}
	}
	return nil
}

// Durations holds the parsed duration fields.
type Durations struct {
	BandwidthTimeout time.Duration
	SampleTimeout    time.Duration
	SampleInterval   time.Duration
	Grace            time.Duration
	ProgressTick     time.Duration
	RampStep         time.Duration
}

func (c *Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	if d.BandwidthTimeout, err = ParseDurationOrDefault("bandwidth.timeout", c.Bandwidth.Timeout, DefaultBandwidthTimeout); err != nil {
		return d, err
	}
	if d.SampleTimeout, err = ParseDurationOrDefault("latency.sample_timeout", c.Latency.SampleTimeout, DefaultSampleTimeout); err != nil {
		return d, err
	}
	if d.SampleInterval, err = ParseDurationUnlessEmpty("latency.interval", c.Latency.Interval, DefaultSampleInterval); err != nil {
		return d, err
	}
	if d.Grace, err = ParseDurationOrDefault("latency.grace", c.Latency.Grace, DefaultGrace); err != nil {
		return d, err
	}
	if d.ProgressTick, err = ParseDurationOrDefault("progress.tick", c.Progress.Tick, DefaultProgressTick); err != nil {
		return d, err
	}
	if d.RampStep, err = ParseDurationUnlessEmpty("progress.ramp_step", c.Progress.RampStep, DefaultRampStep); err != nil {
		return d, err
	}
	return d, nil
}

// SavingModeEnabled reports bandwidth.saving_mode after defaults.
func (b BandwidthConfig) SavingModeEnabled() bool { return b.SavingMode == nil || *b.SavingMode }

// ConsoleEnabled reports logging.console after defaults.
func (l LoggingConfig) ConsoleEnabled() bool { return l.Console == nil || *l.Console }
