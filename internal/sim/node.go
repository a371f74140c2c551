package sim

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dantte-lp/gocsma/internal/mac"
)

// seqSize is the length of the sequence number prefixed to generated payloads.
const seqSize = 4

// AppStats counts application-level traffic at one node.
type AppStats struct {
	Offered        uint64 `json:"offered" yaml:"offered"`
	Rejected       uint64 `json:"rejected" yaml:"rejected"`
	Succeeded      uint64 `json:"succeeded" yaml:"succeeded"`
	DroppedBusy    uint64 `json:"dropped_busy" yaml:"dropped_busy"`
	DroppedRetries uint64 `json:"dropped_retries" yaml:"dropped_retries"`
	Delivered      uint64 `json:"delivered" yaml:"delivered"`
	Duplicates     uint64 `json:"duplicates" yaml:"duplicates"`
	BytesDelivered uint64 `json:"bytes_delivered" yaml:"bytes_delivered"`
}

// Node binds a mac.Machine to its transceiver and timers and acts as the
// application above it. It implements mac.Upper.
type Node struct {
	id      mac.NodeID
	machine *mac.Machine
	radio   *Transceiver
	timers  *NodeTimers
	logger  *slog.Logger

	seq     uint32
	lastSeq map[mac.NodeID]uint32
	stats   AppStats
}

// newNode wires a machine for the node ns describes onto k and medium.
func newNode(
	k *Kernel,
	medium *Medium,
	ns NodeSpec,
	params mac.Params,
	rng *rand.Rand,
	logger *slog.Logger,
	opts ...mac.Option,
) (*Node, error) {
	n := &Node{
		id:      ns.ID,
		radio:   medium.Attach(ns.ID, ns.Pos),
		timers:  NewNodeTimers(k),
		logger:  logger.With(slog.String("node", ns.ID.String())),
		lastSeq: make(map[mac.NodeID]uint32),
	}

	opts = append(opts, mac.WithRand(rng))
	m, err := mac.NewMachine(ns.ID, params, mac.Env{
		Radio:  n.radio,
		Timers: n.timers,
		Clock:  k,
		Upper:  n,
	}, logger, opts...)
	if err != nil {
		return nil, err
	}

	n.machine = m
	n.radio.Bind(m)
	n.timers.Bind(m)
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() mac.NodeID { return n.id }

// Machine returns the node's MAC state machine.
func (n *Node) Machine() *mac.Machine { return n.machine }

// Radio returns the node's transceiver.
func (n *Node) Radio() *Transceiver { return n.radio }

// Stats returns the application counters.
func (n *Node) Stats() AppStats { return n.stats }

// Send offers payload to the MAC.
func (n *Node) Send(payload []byte, dst mac.NodeID) error {
	n.stats.Offered++
	err := n.machine.Send(payload, dst)
	if err != nil && !errors.Is(err, mac.ErrBusy) {
		n.stats.Rejected++
	}
	return err
}

// DeliverReceived implements mac.Upper.
func (n *Node) DeliverReceived(payload []byte, src mac.NodeID) {
	if len(payload) >= seqSize {
		seq := binary.BigEndian.Uint32(payload[:seqSize])
		if last, ok := n.lastSeq[src]; ok && last == seq {
			n.stats.Duplicates++
			return
		}
		n.lastSeq[src] = seq
	}

	n.stats.Delivered++
	n.stats.BytesDelivered += uint64(len(payload))
}

// SendCompleted implements mac.Upper.
func (n *Node) SendCompleted(_ []byte, outcome mac.Outcome) {
	switch outcome {
	case mac.OutcomeSuccess:
		n.stats.Succeeded++
	case mac.OutcomeDroppedBusy:
		n.stats.DroppedBusy++
	case mac.OutcomeDroppedRetriesExhausted:
		n.stats.DroppedRetries++
	}
}

// -------------------------------------------------------------------------
// Traffic
// -------------------------------------------------------------------------

// Traffic describes a periodic packet source.
type Traffic struct {
	// Dst is the destination node or mac.Broadcast.
	Dst mac.NodeID

	// Start is the time of the first packet.
	Start time.Duration

	// Interval is the mean time between packets.
	Interval time.Duration

	// Jitter adds a uniform random delay in [0, Jitter] to every interval.
	Jitter time.Duration

	// PayloadSize is the payload length in bytes. Payloads of at least four
	// bytes carry a sequence number for duplicate detection.
	PayloadSize int

	// Count limits the number of packets; zero means unlimited.
	Count int
}

// generator emits packets for one Traffic entry. Sequence numbers are per
// node so receivers can spot retransmitted duplicates across generators.
type generator struct {
	kernel *Kernel
	node   *Node
	cfg    Traffic
	rng    *rand.Rand
	sent   int
}

func (g *generator) start() {
	g.kernel.At(g.cfg.Start, g.tick)
}

func (g *generator) tick() {
	g.sent++
	g.node.seq++
	payload := make([]byte, g.cfg.PayloadSize)
	if len(payload) >= seqSize {
		binary.BigEndian.PutUint32(payload[:seqSize], g.node.seq)
	}

	if err := g.node.Send(payload, g.cfg.Dst); err != nil && !errors.Is(err, mac.ErrBusy) {
		g.node.logger.Warn("traffic rejected",
			slog.String("dst", g.cfg.Dst.String()),
			slog.String("error", err.Error()),
		)
	}

	if g.cfg.Count > 0 && g.sent >= g.cfg.Count {
		return
	}

	next := g.cfg.Interval
	if g.cfg.Jitter > 0 {
		//nolint:gosec // G404: traffic jitter is not security sensitive.
		next += time.Duration(g.rng.Int64N(int64(g.cfg.Jitter) + 1))
	}
	g.kernel.Schedule(next, g.tick)
}
