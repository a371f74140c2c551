// Package config manages gocsma simulation configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gocsma/internal/mac"
	"github.com/dantte-lp/gocsma/internal/sim"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gocsma configuration.
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	MAC        MACConfig        `koanf:"mac"`
	Simulation SimulationConfig `koanf:"simulation"`
	Nodes      []NodeConfig     `koanf:"nodes"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled starts the metrics endpoint for the duration of a run.
	Enabled bool `koanf:"enabled"`
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// MACConfig holds the protocol parameters shared by every node.
type MACConfig struct {
	MinContendWindow     time.Duration `koanf:"min_contend_window"`
	BaseContendWindow    time.Duration `koanf:"base_contend_window"`
	MaxContendWindow     time.Duration `koanf:"max_contend_window"`
	AckContendWindow     time.Duration `koanf:"ack_contend_window"`
	AckWaitTimeout       time.Duration `koanf:"ack_wait_timeout"`
	AckExtend            time.Duration `koanf:"ack_extend"`
	MaxRetries           int           `koanf:"max_retries"`
	ChannelBusyThreshold float64       `koanf:"channel_busy_threshold"`
}

// SimulationConfig holds the run length and the radio channel model.
type SimulationConfig struct {
	// Duration is the simulated time to run (e.g., "10s").
	Duration time.Duration `koanf:"duration"`
	// Seed makes runs reproducible.
	Seed uint64 `koanf:"seed"`
	// Bitrate is the channel rate in bits per second.
	Bitrate float64 `koanf:"bitrate"`
	// Range is the distance at which nodes hear each other.
	Range float64 `koanf:"range"`
	// LossProbability corrupts each clean reception with this probability.
	LossProbability float64 `koanf:"loss_probability"`
}

// NodeConfig places one node on the plane.
type NodeConfig struct {
	ID      uint16          `koanf:"id"`
	X       float64         `koanf:"x"`
	Y       float64         `koanf:"y"`
	Traffic []TrafficConfig `koanf:"traffic"`
}

// TrafficConfig describes one periodic packet source of a node.
type TrafficConfig struct {
	// Dst is a node id or "broadcast".
	Dst         string        `koanf:"dst"`
	Start       time.Duration `koanf:"start"`
	Interval    time.Duration `koanf:"interval"`
	Jitter      time.Duration `koanf:"jitter"`
	PayloadSize int           `koanf:"payload_size"`
	// Count limits the packets sent; zero means unlimited.
	Count int `koanf:"count"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The MAC
// section mirrors mac.DefaultParams. No nodes are defined.
func DefaultConfig() *Config {
	p := mac.DefaultParams()
	medium := sim.DefaultMediumConfig()

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		MAC: MACConfig{
			MinContendWindow:     p.MinContendWindow,
			BaseContendWindow:    p.BaseContendWindow,
			MaxContendWindow:     p.MaxContendWindow,
			AckContendWindow:     p.AckContendWindow,
			AckWaitTimeout:       p.AckWaitTimeout,
			AckExtend:            p.AckExtend,
			MaxRetries:           p.MaxRetries,
			ChannelBusyThreshold: p.ChannelBusyThreshold,
		},
		Simulation: SimulationConfig{
			Duration: 10 * time.Second,
			Seed:     1,
			Bitrate:  medium.Bitrate,
			Range:    medium.Range,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gocsma configuration.
// Variables are named GOCSMA_<section>_<key>, e.g., GOCSMA_LOG_LEVEL.
const envPrefix = "GOCSMA_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOCSMA_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. An empty path skips the file layer.
//
// Environment variable mapping (the first underscore after the prefix
// separates the section from the key):
//
//	GOCSMA_LOG_LEVEL                    -> log.level
//	GOCSMA_METRICS_ENABLED              -> metrics.enabled
//	GOCSMA_MAC_MAX_RETRIES              -> mac.max_retries
//	GOCSMA_SIMULATION_SEED              -> simulation.seed
//	GOCSMA_SIMULATION_LOSS_PROBABILITY  -> simulation.loss_probability
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOCSMA_MAC_MAX_RETRIES -> mac.max_retries.
// Strips the GOCSMA_ prefix, lowercases, and splits the section at the first _.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                   defaults.Log.Level,
		"log.format":                  defaults.Log.Format,
		"metrics.enabled":             defaults.Metrics.Enabled,
		"metrics.addr":                defaults.Metrics.Addr,
		"metrics.path":                defaults.Metrics.Path,
		"mac.min_contend_window":      defaults.MAC.MinContendWindow.String(),
		"mac.base_contend_window":     defaults.MAC.BaseContendWindow.String(),
		"mac.max_contend_window":      defaults.MAC.MaxContendWindow.String(),
		"mac.ack_contend_window":      defaults.MAC.AckContendWindow.String(),
		"mac.ack_wait_timeout":        defaults.MAC.AckWaitTimeout.String(),
		"mac.ack_extend":              defaults.MAC.AckExtend.String(),
		"mac.max_retries":             defaults.MAC.MaxRetries,
		"mac.channel_busy_threshold":  defaults.MAC.ChannelBusyThreshold,
		"simulation.duration":         defaults.Simulation.Duration.String(),
		"simulation.seed":             defaults.Simulation.Seed,
		"simulation.bitrate":          defaults.Simulation.Bitrate,
		"simulation.range":            defaults.Simulation.Range,
		"simulation.loss_probability": defaults.Simulation.LossProbability,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidLogLevel indicates an unrecognized log.level.
	ErrInvalidLogLevel = errors.New("log.level must be debug, info, warn or error")

	// ErrInvalidLogFormat indicates an unrecognized log.format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")

	// ErrEmptyMetricsAddr indicates metrics are enabled without a listen address.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty when metrics are enabled")

	// ErrInvalidMAC indicates MAC parameters the state machine rejects.
	ErrInvalidMAC = errors.New("invalid mac parameters")

	// ErrInvalidSimulation indicates an unusable simulation section.
	ErrInvalidSimulation = errors.New("invalid simulation parameters")

	// ErrNoNodes indicates a configuration without nodes.
	ErrNoNodes = errors.New("at least one node is required")

	// ErrInvalidNode indicates a node using the broadcast id.
	ErrInvalidNode = errors.New("node id must not be the broadcast id")

	// ErrDuplicateNode indicates two nodes share an id.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrUnknownDestination indicates traffic addressed to an undefined node.
	ErrUnknownDestination = errors.New("traffic destination is not a configured node")

	// ErrInvalidTraffic indicates a traffic source with unusable timing or size.
	ErrInvalidTraffic = errors.New("invalid traffic source")
)

// ValidLogLevels lists the recognized log level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if !ValidLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("log.level %q: %w", cfg.Log.Level, ErrInvalidLogLevel)
	}

	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	if err := cfg.MACParams().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMAC, err)
	}

	if err := validateSimulation(cfg.Simulation); err != nil {
		return err
	}

	return validateNodes(cfg.Nodes)
}

func validateSimulation(s SimulationConfig) error {
	switch {
	case s.Duration <= 0:
		return fmt.Errorf("simulation.duration %v must be > 0: %w", s.Duration, ErrInvalidSimulation)
	case s.Bitrate <= 0:
		return fmt.Errorf("simulation.bitrate %v must be > 0: %w", s.Bitrate, ErrInvalidSimulation)
	case s.Range <= 0:
		return fmt.Errorf("simulation.range %v must be > 0: %w", s.Range, ErrInvalidSimulation)
	case s.LossProbability < 0 || s.LossProbability > 1:
		return fmt.Errorf("simulation.loss_probability %v outside [0, 1]: %w",
			s.LossProbability, ErrInvalidSimulation)
	}
	return nil
}

// validateNodes checks ids and every traffic source.
func validateNodes(nodes []NodeConfig) error {
	if len(nodes) == 0 {
		return ErrNoNodes
	}

	seen := make(map[mac.NodeID]struct{}, len(nodes))
	for i, n := range nodes {
		id := mac.NodeID(n.ID)
		if id.IsBroadcast() {
			return fmt.Errorf("nodes[%d]: %w", i, ErrInvalidNode)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("nodes[%d] id %s: %w", i, id, ErrDuplicateNode)
		}
		seen[id] = struct{}{}
	}

	for i, n := range nodes {
		for j, tc := range n.Traffic {
			if _, err := tc.destination(mac.NodeID(n.ID), seen); err != nil {
				return fmt.Errorf("nodes[%d].traffic[%d]: %w", i, j, err)
			}
			if tc.Interval <= 0 || tc.Start < 0 || tc.Jitter < 0 ||
				tc.PayloadSize < 0 || tc.PayloadSize > mac.MaxPayloadSize || tc.Count < 0 {
				return fmt.Errorf("nodes[%d].traffic[%d]: %w", i, j, ErrInvalidTraffic)
			}
		}
	}

	return nil
}

// destination resolves Dst against the configured node ids.
func (tc TrafficConfig) destination(src mac.NodeID, ids map[mac.NodeID]struct{}) (mac.NodeID, error) {
	dst, err := mac.ParseNodeID(tc.Dst)
	if err != nil {
		return 0, fmt.Errorf("dst %q: %w: %w", tc.Dst, ErrUnknownDestination, err)
	}
	if dst.IsBroadcast() {
		return dst, nil
	}
	if _, ok := ids[dst]; !ok || dst == src {
		return 0, fmt.Errorf("dst %s: %w", dst, ErrUnknownDestination)
	}
	return dst, nil
}

// -------------------------------------------------------------------------
// Conversion
// -------------------------------------------------------------------------

// MACParams returns the MAC section as machine parameters.
func (c *Config) MACParams() mac.Params {
	return mac.Params{
		MinContendWindow:     c.MAC.MinContendWindow,
		BaseContendWindow:    c.MAC.BaseContendWindow,
		MaxContendWindow:     c.MAC.MaxContendWindow,
		AckContendWindow:     c.MAC.AckContendWindow,
		AckWaitTimeout:       c.MAC.AckWaitTimeout,
		AckExtend:            c.MAC.AckExtend,
		MaxRetries:           c.MAC.MaxRetries,
		ChannelBusyThreshold: c.MAC.ChannelBusyThreshold,
	}
}

// Scenario converts a validated configuration into a simulation scenario.
func (c *Config) Scenario() (sim.Scenario, error) {
	ids := make(map[mac.NodeID]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		ids[mac.NodeID(n.ID)] = struct{}{}
	}

	sc := sim.Scenario{
		Params: c.MACParams(),
		Medium: sim.MediumConfig{
			Bitrate:         c.Simulation.Bitrate,
			Range:           c.Simulation.Range,
			LossProbability: c.Simulation.LossProbability,
		},
		Duration: c.Simulation.Duration,
		Seed:     c.Simulation.Seed,
		Nodes:    make([]sim.NodeSpec, 0, len(c.Nodes)),
	}

	for _, n := range c.Nodes {
		spec := sim.NodeSpec{
			ID:  mac.NodeID(n.ID),
			Pos: sim.Position{X: n.X, Y: n.Y},
		}
		for _, tc := range n.Traffic {
			dst, err := tc.destination(spec.ID, ids)
			if err != nil {
				return sim.Scenario{}, fmt.Errorf("node %s: %w", spec.ID, err)
			}
			spec.Traffic = append(spec.Traffic, sim.Traffic{
				Dst:         dst,
				Start:       tc.Start,
				Interval:    tc.Interval,
				Jitter:      tc.Jitter,
				PayloadSize: tc.PayloadSize,
				Count:       tc.Count,
			})
		}
		sc.Nodes = append(sc.Nodes, spec)
	}

	return sc, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
