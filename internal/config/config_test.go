package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultTargets(), cfg.Targets)
	require.Equal(t, "csv", cfg.Log.Driver)
	require.Equal(t, DefaultLogPath, cfg.Log.Path)
	require.True(t, cfg.Bandwidth.SavingModeEnabled())
	require.True(t, cfg.Logging.ConsoleEnabled())

	d, err := cfg.Durations()
	require.NoError(t, err)
	require.Equal(t, Durations{
		BandwidthTimeout: 30 * time.Second,
		SampleTimeout:    2 * time.Second,
		SampleInterval:   200 * time.Millisecond,
		Grace:            3 * time.Second,
		ProgressTick:     50 * time.Millisecond,
		RampStep:         20 * time.Millisecond,
	}, d)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	src := `
targets:
  - name: Home router
    host: 192.168.1.1
  - name: " AWS Tokyo "
    host: ec2.ap-northeast-1.amazonaws.com
bandwidth:
  timeout: 45s
  repeats: 3
  saving_mode: false
latency:
  count: 10
  interval: 0s
  method: TCP
progress:
  ramp_step: 0s
log:
  driver: sqlite
watch:
  schedule: "*/15 * * * *"
  metrics_addr: ":9109"
`
	cfg, err := Parse("netqual.yaml", []byte(src))
	require.NoError(t, err)

	require.Equal(t, []TargetConfig{
		{Name: "Home router", Host: "192.168.1.1"},
		{Name: "AWS Tokyo", Host: "ec2.ap-northeast-1.amazonaws.com"},
	}, cfg.Targets)
	require.Equal(t, 3, cfg.Bandwidth.Repeats)
	require.False(t, cfg.Bandwidth.SavingModeEnabled())
	require.Equal(t, 10, cfg.Latency.Count)
	require.Equal(t, "tcp", cfg.Latency.Method)
	require.Equal(t, "sqlite", cfg.Log.Driver)
	require.Equal(t, DefaultSQLitePath, cfg.Log.Path)
	require.Equal(t, ":9109", cfg.Watch.MetricsAddr)

	d, err := cfg.Durations()
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d.BandwidthTimeout)
	require.Zero(t, d.SampleInterval, "explicit 0s must not fall back to the default")
	require.Zero(t, d.RampStep)
}

func TestParseEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Parse("empty.yml", nil)
	require.NoError(t, err)
	require.Len(t, cfg.Targets, 2)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, src, want string
	}{
		{name: "unknown field", path: "c.json", src: `{"targetz": []}`, want: "unknown field"},
		{name: "trailing data", path: "c.json", src: `{} {}`, want: "trailing data"},
		{name: "bad duration", path: "c.json", src: `{"bandwidth": {"timeout": "soon"}}`, want: "bandwidth.timeout"},
		{name: "negative duration", path: "c.json", src: `{"latency": {"grace": "-1s"}}`, want: "latency.grace"},
		{name: "missing host", path: "c.json", src: `{"targets": [{"name": "x"}]}`, want: "targets[0].host"},
		{name: "duplicate name", path: "c.json", src: `{"targets": [{"name": "x", "host": "a"}, {"name": "x", "host": "b"}]}`, want: "targets[1].name"},
		{name: "bad driver", path: "c.json", src: `{"log": {"driver": "xlsx"}}`, want: "log.driver"},
		{name: "bad method", path: "c.json", src: `{"latency": {"method": "udp"}}`, want: "latency.method"},
		{name: "bad schedule", path: "c.json", src: `{"watch": {"schedule": "whenever"}}`, want: "watch.schedule"},
		{name: "bad timezone", path: "c.json", src: `{"watch": {"timezone": "Mars/Olympus"}}`, want: "watch.timezone"},
		{name: "bad yaml", path: "c.yaml", src: "targets: [", want: "yaml"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.path, []byte(tt.src))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFileAndResolvePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netqual.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"latency": {"count": 3}}`), 0o600))

	t.Setenv(EnvPath, path)
	require.Equal(t, path, ResolvePath(""))
	require.Equal(t, "other.yaml", ResolvePath(" other.yaml "))

	cfg, err := Load(ResolvePath(""))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Latency.Count)

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "read config"))

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultSampleCount, cfg.Latency.Count)
}
