package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dantte-lp/gocsma/internal/mac"
)

// ErrInvalidScenario indicates a scenario that cannot be simulated.
var ErrInvalidScenario = errors.New("invalid scenario")

// seedStream separates the medium's random stream from the nodes' streams.
const seedStream = 0x9E3779B97F4A7C15

// -------------------------------------------------------------------------
// Scenario
// -------------------------------------------------------------------------

// NodeSpec places one node and its traffic sources.
type NodeSpec struct {
	ID      mac.NodeID
	Pos     Position
	Traffic []Traffic
}

// Scenario is a complete simulation description.
type Scenario struct {
	Params   mac.Params
	Medium   MediumConfig
	Duration time.Duration
	Seed     uint64
	Nodes    []NodeSpec
}

// Validate checks the scenario for logical errors.
func (s Scenario) Validate() error {
	if s.Duration <= 0 {
		return fmt.Errorf("duration %v must be > 0: %w", s.Duration, ErrInvalidScenario)
	}
	if s.Medium.Bitrate <= 0 || s.Medium.Range <= 0 {
		return fmt.Errorf("bitrate %v and range %v must be > 0: %w",
			s.Medium.Bitrate, s.Medium.Range, ErrInvalidScenario)
	}
	if s.Medium.LossProbability < 0 || s.Medium.LossProbability > 1 {
		return fmt.Errorf("loss probability %v outside [0, 1]: %w",
			s.Medium.LossProbability, ErrInvalidScenario)
	}
	if err := s.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}

	ids := make(map[mac.NodeID]struct{}, len(s.Nodes))
	for i, n := range s.Nodes {
		if n.ID.IsBroadcast() {
			return fmt.Errorf("nodes[%d]: broadcast id: %w", i, ErrInvalidScenario)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("nodes[%d]: duplicate id %s: %w", i, n.ID, ErrInvalidScenario)
		}
		ids[n.ID] = struct{}{}
	}

	for i, n := range s.Nodes {
		for j, tr := range n.Traffic {
			if err := validateTraffic(n.ID, tr, ids); err != nil {
				return fmt.Errorf("nodes[%d].traffic[%d]: %w", i, j, err)
			}
		}
	}

	return nil
}

func validateTraffic(src mac.NodeID, tr Traffic, ids map[mac.NodeID]struct{}) error {
	if tr.Dst == src {
		return fmt.Errorf("node %s sends to itself: %w", src, ErrInvalidScenario)
	}
	if _, ok := ids[tr.Dst]; !ok && !tr.Dst.IsBroadcast() {
		return fmt.Errorf("unknown destination %s: %w", tr.Dst, ErrInvalidScenario)
	}
	if tr.Interval <= 0 || tr.Jitter < 0 || tr.Start < 0 {
		return fmt.Errorf("interval %v jitter %v start %v: %w",
			tr.Interval, tr.Jitter, tr.Start, ErrInvalidScenario)
	}
	if tr.PayloadSize < 0 || tr.PayloadSize > mac.MaxPayloadSize || tr.Count < 0 {
		return fmt.Errorf("payload size %d count %d: %w", tr.PayloadSize, tr.Count, ErrInvalidScenario)
	}
	return nil
}

// -------------------------------------------------------------------------
// Report
// -------------------------------------------------------------------------

// NodeReport is the end-of-run summary of one node.
type NodeReport struct {
	ID    mac.NodeID `json:"id" yaml:"id"`
	State string     `json:"state" yaml:"state"`
	MAC   mac.Stats  `json:"mac" yaml:"mac"`
	App   AppStats   `json:"app" yaml:"app"`
	Radio RadioStats `json:"radio" yaml:"radio"`
}

// Totals aggregates every node.
type Totals struct {
	Offered        uint64  `json:"offered" yaml:"offered"`
	Succeeded      uint64  `json:"succeeded" yaml:"succeeded"`
	DroppedBusy    uint64  `json:"dropped_busy" yaml:"dropped_busy"`
	DroppedRetries uint64  `json:"dropped_retries" yaml:"dropped_retries"`
	Delivered      uint64  `json:"delivered" yaml:"delivered"`
	Duplicates     uint64  `json:"duplicates" yaml:"duplicates"`
	Collisions     uint64  `json:"collisions" yaml:"collisions"`
	SuccessRatio   float64 `json:"success_ratio" yaml:"success_ratio"`
	MeanDutyCycle  float64 `json:"mean_duty_cycle" yaml:"mean_duty_cycle"`
}

// Report is the result of a simulation run.
type Report struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
	Seed     uint64        `json:"seed" yaml:"seed"`
	Events   uint64        `json:"events" yaml:"events"`
	Nodes    []NodeReport  `json:"nodes" yaml:"nodes"`
	Totals   Totals        `json:"totals" yaml:"totals"`
}

// -------------------------------------------------------------------------
// Simulation
// -------------------------------------------------------------------------

// Option configures optional Simulation parameters.
type Option func(*Simulation)

// WithMetrics reports every machine's events to mr.
func WithMetrics(mr mac.MetricsReporter) Option {
	return func(s *Simulation) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// Simulation is a set of nodes sharing one medium on one kernel.
type Simulation struct {
	scenario   Scenario
	kernel     *Kernel
	medium     *Medium
	nodes      []*Node
	generators []*generator
	metrics    mac.MetricsReporter
	logger     *slog.Logger
}

// New validates sc and builds every node. Nothing runs until Run.
func New(sc Scenario, logger *slog.Logger, opts ...Option) (*Simulation, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Simulation{
		scenario: sc,
		kernel:   NewKernel(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	//nolint:gosec // G404: simulation randomness must be reproducible, not secure.
	s.medium = NewMedium(s.kernel, sc.Medium, rand.New(rand.NewPCG(sc.Seed, seedStream)), logger)

	var macOpts []mac.Option
	if s.metrics != nil {
		macOpts = append(macOpts, mac.WithMetrics(s.metrics))
	}

	for _, ns := range sc.Nodes {
		//nolint:gosec // G404: simulation randomness must be reproducible, not secure.
		rng := rand.New(rand.NewPCG(sc.Seed, uint64(ns.ID)))
		n, err := newNode(s.kernel, s.medium, ns, sc.Params, rng, logger, macOpts...)
		if err != nil {
			return nil, fmt.Errorf("build node %s: %w", ns.ID, err)
		}
		s.nodes = append(s.nodes, n)

		for _, tr := range ns.Traffic {
			s.generators = append(s.generators, &generator{
				kernel: s.kernel,
				node:   n,
				cfg:    tr,
				rng:    rng,
			})
		}
	}

	return s, nil
}

// Kernel returns the simulation kernel.
func (s *Simulation) Kernel() *Kernel { return s.kernel }

// Nodes returns the simulated nodes in scenario order.
func (s *Simulation) Nodes() []*Node { return s.nodes }

// Node returns the node with the given id.
func (s *Simulation) Node(id mac.NodeID) (*Node, bool) {
	for _, n := range s.nodes {
		if n.id == id {
			return n, true
		}
	}
	return nil, false
}

// Run starts every node and traffic source and executes the scenario to its
// duration. A cancelled context stops the run early; the partial report is
// returned along with the context error.
func (s *Simulation) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	s.logger.Info("simulation starting",
		slog.Int("nodes", len(s.nodes)),
		slog.Duration("duration", s.scenario.Duration),
		slog.Uint64("seed", s.scenario.Seed),
	)

	for _, n := range s.nodes {
		n.machine.Start()
	}
	for _, g := range s.generators {
		g.start()
	}

	err := s.kernel.Run(ctx, s.scenario.Duration)
	report := s.Report()

	s.logger.Info("simulation finished",
		slog.Duration("simulated", s.kernel.Now()),
		slog.Duration("elapsed", time.Since(start)),
		slog.Uint64("events", report.Events),
		slog.Float64("success_ratio", report.Totals.SuccessRatio),
	)

	if err != nil {
		return report, fmt.Errorf("run simulation: %w", err)
	}
	return report, nil
}

// Report summarizes the run so far.
func (s *Simulation) Report() *Report {
	r := &Report{
		Duration: s.kernel.Now(),
		Seed:     s.scenario.Seed,
		Events:   s.kernel.Processed(),
		Nodes:    make([]NodeReport, 0, len(s.nodes)),
	}

	var dutySum float64
	for _, n := range s.nodes {
		nr := NodeReport{
			ID:    n.id,
			State: n.machine.State().String(),
			MAC:   n.machine.Stats(),
			App:   n.stats,
			Radio: n.radio.Stats(),
		}
		r.Nodes = append(r.Nodes, nr)

		r.Totals.Offered += nr.App.Offered
		r.Totals.Succeeded += nr.App.Succeeded
		r.Totals.DroppedBusy += nr.App.DroppedBusy
		r.Totals.DroppedRetries += nr.App.DroppedRetries
		r.Totals.Delivered += nr.App.Delivered
		r.Totals.Duplicates += nr.App.Duplicates
		r.Totals.Collisions += nr.Radio.Collisions
		dutySum += nr.Radio.DutyCycle
	}

	if r.Totals.Offered > 0 {
		r.Totals.SuccessRatio = float64(r.Totals.Succeeded) / float64(r.Totals.Offered)
	}
	if len(s.nodes) > 0 {
		r.Totals.MeanDutyCycle = dutySum / float64(len(s.nodes))
	}
	return r
}
