package config

// Config is the process-wide configuration. It is loaded once at startup and
// never reloaded; components receive the values they need at construction.
//
// All durations are Go duration strings (e.g. "200ms", "2s", "1m").
type Config struct {
	// Targets is ordered; log columns follow this order.
	Targets   []TargetConfig  `json:"targets"`
	Bandwidth BandwidthConfig `json:"bandwidth"`
	Latency   LatencyConfig   `json:"latency"`
	Progress  ProgressConfig  `json:"progress"`
	Log       LogConfig       `json:"log"`
	Logging   LoggingConfig   `json:"logging"`
	Watch     WatchConfig     `json:"watch"`
}

// TargetConfig is one named latency destination.
type TargetConfig struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

// BandwidthConfig controls the speed probe.
//
// Defaults (when fields are omitted/zero):
//   - timeout: "30s"
//   - server_count: 5
//   - repeats: 1
//   - max_connections: 4
//   - saving_mode: true
type BandwidthConfig struct {
	Timeout        string `json:"timeout,omitempty"`
	ServerCount    int    `json:"server_count,omitempty"`
	Repeats        int    `json:"repeats,omitempty"`
	MaxConnections int    `json:"max_connections,omitempty"`

	// SavingMode is a pointer so an explicit false survives defaults.
	SavingMode *bool `json:"saving_mode,omitempty"`
}

// LatencyConfig controls per-target sampling.
//
// Method is "icmp" (default) or "tcp". ICMP needs either privileged=true
// (raw sockets) or a host that allows unprivileged datagram ICMP.
type LatencyConfig struct {
	Count         int    `json:"count,omitempty"`
	SampleTimeout string `json:"sample_timeout,omitempty"`
	Interval      string `json:"interval,omitempty"`
	Grace         string `json:"grace,omitempty"`

	Method     string `json:"method,omitempty"`
	Privileged bool   `json:"privileged,omitempty"`
	TCPPort    int    `json:"tcp_port,omitempty"`
}

type ProgressConfig struct {
	Tick string `json:"tick,omitempty"`
	// RampStep "0s" disables the pause between the final progress steps.
	RampStep string `json:"ramp_step,omitempty"`
}

// LogConfig selects where measurement records are appended.
// Driver is "csv" (default) or "sqlite".
type LogConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
}

// LoggingConfig controls diagnostic logging (not measurement records).
type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// WatchConfig controls repeated measurement.
//
// Schedule accepts a cron expression ("*/30 * * * *", "@hourly"), an interval
// ("30m", "01:30") or an explicit "cron:"/"every:" prefixed form.
// MetricsAddr, when set, serves Prometheus metrics (e.g. ":9109"); Pprof adds
// /debug/pprof/ to that listener.
type WatchConfig struct {
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
	Pprof       bool   `json:"pprof,omitempty"`
}
