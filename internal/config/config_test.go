package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/gocsma/internal/config"
	"github.com/dantte-lp/gocsma/internal/mac"
)

// twoNodeYAML is a minimal valid configuration.
const twoNodeYAML = `
nodes:
  - id: 1
    traffic:
      - dst: 2
        interval: "100ms"
  - id: 2
    x: 30
`

// withNodes returns the defaults plus two nodes, which is the smallest
// configuration that validates.
func withNodes() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Nodes = []config.NodeConfig{
		{ID: 1, Traffic: []config.TrafficConfig{{Dst: "2", Interval: 100 * time.Millisecond}}},
		{ID: 2, X: 30},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if got := cfg.MACParams(); got != mac.DefaultParams() {
		t.Errorf("MACParams() = %+v, want mac.DefaultParams()", got)
	}

	if cfg.Simulation.Duration != 10*time.Second {
		t.Errorf("Simulation.Duration = %v, want %v", cfg.Simulation.Duration, 10*time.Second)
	}

	if cfg.Simulation.Bitrate != 250_000 {
		t.Errorf("Simulation.Bitrate = %v, want %v", cfg.Simulation.Bitrate, 250_000)
	}

	// Defaults define no nodes.
	if err := config.Validate(cfg); !errors.Is(err, config.ErrNoNodes) {
		t.Errorf("Validate(DefaultConfig()) = %v, want %v", err, config.ErrNoNodes)
	}

	if err := config.Validate(withNodes()); err != nil {
		t.Errorf("defaults with nodes failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
log:
  level: "debug"
  format: "json"
metrics:
  enabled: true
  addr: ":9200"
  path: "/custom-metrics"
mac:
  min_contend_window: "2ms"
  base_contend_window: "10ms"
  max_contend_window: "160ms"
  ack_contend_window: "4ms"
  ack_wait_timeout: "15ms"
  ack_extend: "8ms"
  max_retries: 5
  channel_busy_threshold: 0.25
simulation:
  duration: "30s"
  seed: 99
  bitrate: 1000000
  range: 50
  loss_probability: 0.1
nodes:
  - id: 1
    x: 0
    y: 0
    traffic:
      - dst: 2
        start: "1s"
        interval: "200ms"
        jitter: "20ms"
        payload_size: 32
        count: 10
      - dst: broadcast
        interval: "1s"
        payload_size: 8
  - id: 2
    x: 25.5
    y: -10
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != ":9200" || cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics = %+v, want enabled on :9200/custom-metrics", cfg.Metrics)
	}

	wantParams := mac.Params{
		MinContendWindow:     2 * time.Millisecond,
		BaseContendWindow:    10 * time.Millisecond,
		MaxContendWindow:     160 * time.Millisecond,
		AckContendWindow:     4 * time.Millisecond,
		AckWaitTimeout:       15 * time.Millisecond,
		AckExtend:            8 * time.Millisecond,
		MaxRetries:           5,
		ChannelBusyThreshold: 0.25,
	}
	if got := cfg.MACParams(); got != wantParams {
		t.Errorf("MACParams() = %+v, want %+v", got, wantParams)
	}

	want := config.SimulationConfig{
		Duration:        30 * time.Second,
		Seed:            99,
		Bitrate:         1_000_000,
		Range:           50,
		LossProbability: 0.1,
	}
	if cfg.Simulation != want {
		t.Errorf("Simulation = %+v, want %+v", cfg.Simulation, want)
	}

	if len(cfg.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(cfg.Nodes))
	}

	if n := cfg.Nodes[1]; n.ID != 2 || n.X != 25.5 || n.Y != -10 {
		t.Errorf("Nodes[1] = %+v, want id 2 at (25.5, -10)", n)
	}

	tr := cfg.Nodes[0].Traffic
	if len(tr) != 2 {
		t.Fatalf("len(Nodes[0].Traffic) = %d, want 2", len(tr))
	}

	wantTraffic := config.TrafficConfig{
		Dst:         "2",
		Start:       time.Second,
		Interval:    200 * time.Millisecond,
		Jitter:      20 * time.Millisecond,
		PayloadSize: 32,
		Count:       10,
	}
	if tr[0] != wantTraffic {
		t.Errorf("Traffic[0] = %+v, want %+v", tr[0], wantTraffic)
	}

	if tr[1].Dst != "broadcast" {
		t.Errorf("Traffic[1].Dst = %q, want %q", tr[1].Dst, "broadcast")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, twoNodeYAML+`
log:
  level: "warn"
mac:
  max_retries: 7
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	if cfg.MAC.MaxRetries != 7 {
		t.Errorf("MAC.MaxRetries = %d, want %d", cfg.MAC.MaxRetries, 7)
	}

	// Default values should be preserved.
	defaults := config.DefaultConfig()

	if cfg.Log.Format != defaults.Log.Format {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, defaults.Log.Format)
	}

	if cfg.MAC.BaseContendWindow != defaults.MAC.BaseContendWindow {
		t.Errorf("MAC.BaseContendWindow = %v, want default %v",
			cfg.MAC.BaseContendWindow, defaults.MAC.BaseContendWindow)
	}

	if cfg.MAC.ChannelBusyThreshold != defaults.MAC.ChannelBusyThreshold {
		t.Errorf("MAC.ChannelBusyThreshold = %v, want default %v",
			cfg.MAC.ChannelBusyThreshold, defaults.MAC.ChannelBusyThreshold)
	}

	if cfg.Simulation != defaults.Simulation {
		t.Errorf("Simulation = %+v, want default %+v", cfg.Simulation, defaults.Simulation)
	}

	if cfg.Metrics != defaults.Metrics {
		t.Errorf("Metrics = %+v, want default %+v", cfg.Metrics, defaults.Metrics)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GOCSMA_LOG_LEVEL", "error")
	t.Setenv("GOCSMA_MAC_MAX_RETRIES", "1")
	t.Setenv("GOCSMA_MAC_ACK_WAIT_TIMEOUT", "50ms")
	t.Setenv("GOCSMA_SIMULATION_SEED", "1234")
	t.Setenv("GOCSMA_SIMULATION_LOSS_PROBABILITY", "0.5")

	path := writeTemp(t, twoNodeYAML+`
log:
  level: "debug"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want env override %q", cfg.Log.Level, "error")
	}

	if cfg.MAC.MaxRetries != 1 {
		t.Errorf("MAC.MaxRetries = %d, want %d", cfg.MAC.MaxRetries, 1)
	}

	if cfg.MAC.AckWaitTimeout != 50*time.Millisecond {
		t.Errorf("MAC.AckWaitTimeout = %v, want %v", cfg.MAC.AckWaitTimeout, 50*time.Millisecond)
	}

	if cfg.Simulation.Seed != 1234 {
		t.Errorf("Simulation.Seed = %d, want %d", cfg.Simulation.Seed, 1234)
	}

	if cfg.Simulation.LossProbability != 0.5 {
		t.Errorf("Simulation.LossProbability = %v, want %v", cfg.Simulation.LossProbability, 0.5)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "unknown log level",
			modify:  func(cfg *config.Config) { cfg.Log.Level = "trace" },
			wantErr: config.ErrInvalidLogLevel,
		},
		{
			name:    "unknown log format",
			modify:  func(cfg *config.Config) { cfg.Log.Format = "xml" },
			wantErr: config.ErrInvalidLogFormat,
		},
		{
			name: "metrics enabled without addr",
			modify: func(cfg *config.Config) {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = ""
			},
			wantErr: config.ErrEmptyMetricsAddr,
		},
		{
			name:    "base window below min",
			modify:  func(cfg *config.Config) { cfg.MAC.BaseContendWindow = time.Millisecond },
			wantErr: mac.ErrInvalidContendWindow,
		},
		{
			name:    "negative retries",
			modify:  func(cfg *config.Config) { cfg.MAC.MaxRetries = -1 },
			wantErr: config.ErrInvalidMAC,
		},
		{
			name:    "zero duration",
			modify:  func(cfg *config.Config) { cfg.Simulation.Duration = 0 },
			wantErr: config.ErrInvalidSimulation,
		},
		{
			name:    "negative bitrate",
			modify:  func(cfg *config.Config) { cfg.Simulation.Bitrate = -1 },
			wantErr: config.ErrInvalidSimulation,
		},
		{
			name:    "loss above one",
			modify:  func(cfg *config.Config) { cfg.Simulation.LossProbability = 2 },
			wantErr: config.ErrInvalidSimulation,
		},
		{
			name:    "no nodes",
			modify:  func(cfg *config.Config) { cfg.Nodes = nil },
			wantErr: config.ErrNoNodes,
		},
		{
			name:    "broadcast node id",
			modify:  func(cfg *config.Config) { cfg.Nodes[1].ID = 0xFFFF },
			wantErr: config.ErrInvalidNode,
		},
		{
			name:    "duplicate node id",
			modify:  func(cfg *config.Config) { cfg.Nodes[1].ID = 1 },
			wantErr: config.ErrDuplicateNode,
		},
		{
			name:    "unknown destination",
			modify:  func(cfg *config.Config) { cfg.Nodes[0].Traffic[0].Dst = "9" },
			wantErr: config.ErrUnknownDestination,
		},
		{
			name:    "unparseable destination",
			modify:  func(cfg *config.Config) { cfg.Nodes[0].Traffic[0].Dst = "gateway" },
			wantErr: config.ErrUnknownDestination,
		},
		{
			name:    "self destination",
			modify:  func(cfg *config.Config) { cfg.Nodes[0].Traffic[0].Dst = "1" },
			wantErr: config.ErrUnknownDestination,
		},
		{
			name:    "zero interval",
			modify:  func(cfg *config.Config) { cfg.Nodes[0].Traffic[0].Interval = 0 },
			wantErr: config.ErrInvalidTraffic,
		},
		{
			name:    "negative payload",
			modify:  func(cfg *config.Config) { cfg.Nodes[0].Traffic[0].PayloadSize = -1 },
			wantErr: config.ErrInvalidTraffic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := withNodes()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestScenario(t *testing.T) {
	t.Parallel()

	cfg := withNodes()
	cfg.Simulation.Seed = 17
	cfg.Simulation.LossProbability = 0.05
	cfg.Nodes[1].Y = 4
	cfg.Nodes[1].Traffic = []config.TrafficConfig{{
		Dst:         "broadcast",
		Start:       time.Second,
		Interval:    500 * time.Millisecond,
		Jitter:      10 * time.Millisecond,
		PayloadSize: 12,
		Count:       3,
	}}

	sc, err := cfg.Scenario()
	if err != nil {
		t.Fatalf("Scenario() error: %v", err)
	}

	if err := sc.Validate(); err != nil {
		t.Errorf("Scenario().Validate() = %v", err)
	}

	if sc.Seed != 17 || sc.Duration != cfg.Simulation.Duration {
		t.Errorf("Seed/Duration = %d/%v, want 17/%v", sc.Seed, sc.Duration, cfg.Simulation.Duration)
	}

	if sc.Medium.LossProbability != 0.05 || sc.Medium.Bitrate != cfg.Simulation.Bitrate {
		t.Errorf("Medium = %+v, want loss 0.05 bitrate %v", sc.Medium, cfg.Simulation.Bitrate)
	}

	if sc.Params != cfg.MACParams() {
		t.Errorf("Params = %+v, want %+v", sc.Params, cfg.MACParams())
	}

	if len(sc.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(sc.Nodes))
	}

	if got := sc.Nodes[0].Traffic[0].Dst; got != 2 {
		t.Errorf("Nodes[0].Traffic[0].Dst = %v, want 2", got)
	}

	n := sc.Nodes[1]
	if n.ID != 2 || n.Pos.X != 30 || n.Pos.Y != 4 {
		t.Errorf("Nodes[1] = %+v, want id 2 at (30, 4)", n)
	}

	tr := n.Traffic[0]
	if tr.Dst != mac.Broadcast || tr.Start != time.Second || tr.Count != 3 || tr.PayloadSize != 12 {
		t.Errorf("Nodes[1].Traffic[0] = %+v, want broadcast from 1s, 3x12 bytes", tr)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, `
nodes:
  - id: 1
    traffic:
      - dst: 3
        interval: "1s"
`)

	_, err := config.Load(path)
	if !errors.Is(err, config.ErrUnknownDestination) {
		t.Errorf("Load() error = %v, want %v", err, config.ErrUnknownDestination)
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "gocsma.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
