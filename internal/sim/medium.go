package sim

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dantte-lp/gocsma/internal/mac"
)

// ErrNotTransmitting indicates StartTransmit was called outside transmit
// mode. Transceivers panic with an error wrapping it.
var ErrNotTransmitting = errors.New("start transmit outside transmit mode")

// -------------------------------------------------------------------------
// Medium
// -------------------------------------------------------------------------

// MediumConfig describes the shared radio channel.
type MediumConfig struct {
	// Bitrate is the channel rate in bits per second.
	Bitrate float64

	// Range is the maximum distance at which nodes hear each other.
	Range float64

	// LossProbability corrupts each otherwise clean reception at random.
	LossProbability float64
}

// DefaultMediumConfig returns a 250 kbit/s channel with a 100 unit range.
func DefaultMediumConfig() MediumConfig {
	return MediumConfig{
		Bitrate: 250_000,
		Range:   100,
	}
}

// Airtime returns how long a frame of size bytes occupies the channel.
func (c MediumConfig) Airtime(size int) time.Duration {
	return time.Duration(math.Ceil(float64(size*8) * float64(time.Second) / c.Bitrate))
}

// Position is a node location on the plane.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Distance returns the Euclidean distance between p and q.
func (p Position) Distance(q Position) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// transmission is one frame on air.
type transmission struct {
	src       *Transceiver
	encoded   []byte
	end       time.Duration
	listeners []*Transceiver
}

// reception is the frame a transceiver has locked onto.
type reception struct {
	tx        *transmission
	corrupted bool
}

// Medium connects transceivers. Nodes within Range of a transmitter hear it
// for the frame's airtime. A listening node locks onto the first frame that
// starts while its channel is quiet; any overlap corrupts that reception.
type Medium struct {
	kernel *Kernel
	cfg    MediumConfig
	rng    *rand.Rand
	logger *slog.Logger
	radios []*Transceiver
}

// NewMedium returns an empty medium on k.
func NewMedium(k *Kernel, cfg MediumConfig, rng *rand.Rand, logger *slog.Logger) *Medium {
	return &Medium{
		kernel: k,
		cfg:    cfg,
		rng:    rng,
		logger: logger,
	}
}

// Attach creates a transceiver for node id at pos. The transceiver starts
// asleep.
func (m *Medium) Attach(id mac.NodeID, pos Position) *Transceiver {
	r := &Transceiver{
		id:     id,
		pos:    pos,
		medium: m,
		mode:   ModeSleep,
	}
	m.radios = append(m.radios, r)
	return r
}

// Config returns the channel configuration.
func (m *Medium) Config() MediumConfig {
	return m.cfg
}

func (m *Medium) inRange(a, b *Transceiver) bool {
	return a != b && a.pos.Distance(b.pos) <= m.cfg.Range
}

// begin puts tx on air and notifies every in-range transceiver.
func (m *Medium) begin(tx *transmission) {
	for _, r := range m.radios {
		if !m.inRange(tx.src, r) {
			continue
		}
		tx.listeners = append(tx.listeners, r)
		r.audible++

		switch {
		case r.inbound != nil:
			// Overlap with the frame already being received.
			r.inbound.corrupted = true
			r.stats.collisions++
		case r.mode == ModeListen:
			r.inbound = &reception{tx: tx, corrupted: r.audible > 1}
			if r.inbound.corrupted {
				r.stats.collisions++
			}
			m.post(r.handler.ReceptionStarted)
		}
	}

	m.kernel.At(tx.end, func() { m.finish(tx) })
}

// finish takes tx off air and resolves every reception locked onto it.
func (m *Medium) finish(tx *transmission) {
	for _, r := range tx.listeners {
		r.audible--
		rx := r.inbound
		if rx == nil || rx.tx != tx {
			continue
		}
		r.inbound = nil
		m.resolve(r, rx)
	}

	tx.src.transmitting = nil
	m.post(tx.src.handler.TransmitComplete)
}

func (m *Medium) resolve(r *Transceiver, rx *reception) {
	if rx.corrupted || r.mode != ModeListen {
		r.stats.lost++
		m.post(r.handler.ReceptionFailed)
		return
	}

	//nolint:gosec // G404: channel loss model, not security sensitive.
	if m.cfg.LossProbability > 0 && m.rng.Float64() < m.cfg.LossProbability {
		r.stats.lost++
		m.post(r.handler.ReceptionFailed)
		return
	}

	var f mac.Frame
	if err := mac.UnmarshalFrame(rx.tx.encoded, &f); err != nil {
		r.stats.lost++
		m.logger.Warn("undecodable frame",
			slog.String("node", r.id.String()),
			slog.String("error", err.Error()),
		)
		m.post(r.handler.ReceptionFailed)
		return
	}

	r.stats.received++
	frame := f.Clone()
	m.post(func() { r.handler.FrameArrived(frame) })
}

// post delivers fn as its own event at the current instant.
func (m *Medium) post(fn func()) {
	m.kernel.Schedule(0, fn)
}

// -------------------------------------------------------------------------
// Transceiver
// -------------------------------------------------------------------------

// RadioMode is the transceiver operating mode.
type RadioMode uint8

const (
	// ModeSleep powers the transceiver down. Nothing is received.
	ModeSleep RadioMode = iota

	// ModeListen keeps the receiver on.
	ModeListen

	// ModeTransmit keys the transmitter. Nothing is received.
	ModeTransmit
)

// String returns the human-readable name for the radio mode.
func (m RadioMode) String() string {
	switch m {
	case ModeSleep:
		return "Sleep"
	case ModeListen:
		return "Listen"
	case ModeTransmit:
		return "Transmit"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// RadioHandler receives radio events. *mac.Machine implements it.
type RadioHandler interface {
	TransmitComplete()
	FrameArrived(f *mac.Frame)
	ReceptionStarted()
	ReceptionFailed()
}

// RadioStats summarizes a transceiver's activity.
type RadioStats struct {
	Sleep      time.Duration `json:"sleep" yaml:"sleep"`
	Listen     time.Duration `json:"listen" yaml:"listen"`
	Transmit   time.Duration `json:"transmit" yaml:"transmit"`
	DutyCycle  float64       `json:"duty_cycle" yaml:"duty_cycle"`
	Frames     uint64        `json:"frames" yaml:"frames"`
	Received   uint64        `json:"received" yaml:"received"`
	Lost       uint64        `json:"lost" yaml:"lost"`
	Collisions uint64        `json:"collisions" yaml:"collisions"`
}

type radioCounters struct {
	frames     uint64
	received   uint64
	lost       uint64
	collisions uint64
}

// Transceiver is one node's radio on a Medium. It implements mac.Radio.
// Events for the node are delivered to the bound RadioHandler as separate
// kernel events, never from inside a mac.Radio call.
type Transceiver struct {
	id      mac.NodeID
	pos     Position
	medium  *Medium
	handler RadioHandler

	mode      RadioMode
	modeSince time.Duration
	timeIn    [3]time.Duration

	audible      int
	inbound      *reception
	transmitting *transmission

	stats radioCounters
}

// Bind sets the receiver of radio events.
func (r *Transceiver) Bind(h RadioHandler) {
	r.handler = h
}

// Mode returns the operating mode.
func (r *Transceiver) Mode() RadioMode {
	return r.mode
}

// SetListen implements mac.Radio.
func (r *Transceiver) SetListen() { r.setMode(ModeListen) }

// SetSleep implements mac.Radio.
func (r *Transceiver) SetSleep() { r.setMode(ModeSleep) }

// SetTransmit implements mac.Radio.
func (r *Transceiver) SetTransmit() { r.setMode(ModeTransmit) }

func (r *Transceiver) setMode(mode RadioMode) {
	if mode == r.mode {
		return
	}
	now := r.medium.kernel.Now()
	r.timeIn[r.mode] += now - r.modeSince
	r.modeSince = now
	r.mode = mode

	// Leaving listen loses the frame being received.
	if mode != ModeListen && r.inbound != nil {
		r.inbound.corrupted = true
	}
}

// SampleChannelEnergy implements mac.Radio: 0 on a quiet channel, 1 when at
// least one in-range transmitter is active.
func (r *Transceiver) SampleChannelEnergy() float64 {
	return math.Min(1, float64(r.audible))
}

// StartTransmit implements mac.Radio.
func (r *Transceiver) StartTransmit(f *mac.Frame) {
	if r.mode != ModeTransmit {
		panic(fmt.Errorf("node %s in mode %s: %w: %w", r.id, r.mode, ErrNotTransmitting, mac.ErrInvariant))
	}

	bufp, _ := mac.FramePool.Get().(*[]byte)
	defer mac.FramePool.Put(bufp)

	buf := *bufp
	if f.Size() > len(buf) {
		buf = make([]byte, f.Size())
	}
	n, err := mac.MarshalFrame(f, buf)
	if err != nil {
		panic(fmt.Errorf("node %s encode frame: %w: %w", r.id, err, mac.ErrInvariant))
	}

	tx := &transmission{
		src:     r,
		encoded: append([]byte(nil), buf[:n]...),
		end:     r.medium.kernel.Now() + r.medium.cfg.Airtime(n),
	}
	r.transmitting = tx
	r.stats.frames++
	r.medium.begin(tx)
}

// Stats returns the radio summary, accounting mode time up to now.
func (r *Transceiver) Stats() RadioStats {
	now := r.medium.kernel.Now()
	timeIn := r.timeIn
	timeIn[r.mode] += now - r.modeSince

	st := RadioStats{
		Sleep:      timeIn[ModeSleep],
		Listen:     timeIn[ModeListen],
		Transmit:   timeIn[ModeTransmit],
		Frames:     r.stats.frames,
		Received:   r.stats.received,
		Lost:       r.stats.lost,
		Collisions: r.stats.collisions,
	}
	if total := st.Sleep + st.Listen + st.Transmit; total > 0 {
		st.DutyCycle = float64(st.Listen+st.Transmit) / float64(total)
	}
	return st
}
