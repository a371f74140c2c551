// Package commands implements the gocsma CLI commands.
package commands

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gocsma/internal/mac"
	"github.com/dantte-lp/gocsma/internal/sim"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatReport renders a simulation report in the requested format.
func formatReport(r *sim.Report, format string) (string, error) {
	switch format {
	case formatTable:
		return formatReportTable(r)
	case formatJSON, formatYAML:
		return marshalView(reportToView(r), format)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatFrame renders a decoded frame in the requested format.
func formatFrame(f *mac.Frame, format string) (string, error) {
	switch format {
	case formatTable:
		return formatFrameTable(f)
	case formatJSON, formatYAML:
		return marshalView(frameToView(f), format)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// marshalView encodes v as indented JSON or YAML.
func marshalView(v any, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal to YAML: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatReportTable(r *sim.Report) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATE\tOFFERED\tSUCCESS\tDROP-BUSY\tDROP-RETRY\tDELIVERED\tDUP\tDATA-TX\tACK-TX\tCOLLISIONS\tDUTY")

	for _, n := range r.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.1f%%\n",
			n.ID,
			n.State,
			n.App.Offered,
			n.App.Succeeded,
			n.App.DroppedBusy,
			n.App.DroppedRetries,
			n.App.Delivered,
			n.App.Duplicates,
			n.MAC.DataSent,
			n.MAC.AcksSent,
			n.Radio.Collisions,
			n.Radio.DutyCycle*100,
		)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Simulated:\t%s\n", r.Duration)
	fmt.Fprintf(w, "Seed:\t%d\n", r.Seed)
	fmt.Fprintf(w, "Events:\t%d\n", r.Events)
	fmt.Fprintf(w, "Success Ratio:\t%.3f\n", r.Totals.SuccessRatio)
	fmt.Fprintf(w, "Mean Duty Cycle:\t%.1f%%\n", r.Totals.MeanDutyCycle*100)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatFrameTable(f *mac.Frame) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Kind:\t%s\n", f.Kind)
	fmt.Fprintf(w, "Source:\t%s\n", f.Src)
	fmt.Fprintf(w, "Destination:\t%s\n", f.Dst)
	fmt.Fprintf(w, "Length:\t%d\n", len(f.Payload))
	if len(f.Payload) > 0 {
		fmt.Fprintf(w, "Payload:\t%s\n", hex.EncodeToString(f.Payload))
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- View types for clean JSON/YAML output ---

type reportView struct {
	Duration string     `json:"duration" yaml:"duration"`
	Seed     uint64     `json:"seed" yaml:"seed"`
	Events   uint64     `json:"events" yaml:"events"`
	Totals   sim.Totals `json:"totals" yaml:"totals"`
	Nodes    []nodeView `json:"nodes" yaml:"nodes"`
}

type nodeView struct {
	ID    uint16       `json:"id" yaml:"id"`
	State string       `json:"state" yaml:"state"`
	App   sim.AppStats `json:"app" yaml:"app"`
	MAC   mac.Stats    `json:"mac" yaml:"mac"`
	Radio radioView    `json:"radio" yaml:"radio"`
}

type radioView struct {
	Sleep      string  `json:"sleep" yaml:"sleep"`
	Listen     string  `json:"listen" yaml:"listen"`
	Transmit   string  `json:"transmit" yaml:"transmit"`
	DutyCycle  float64 `json:"duty_cycle" yaml:"duty_cycle"`
	Frames     uint64  `json:"frames" yaml:"frames"`
	Received   uint64  `json:"received" yaml:"received"`
	Lost       uint64  `json:"lost" yaml:"lost"`
	Collisions uint64  `json:"collisions" yaml:"collisions"`
}

type frameView struct {
	Kind    string `json:"kind" yaml:"kind"`
	Src     string `json:"src" yaml:"src"`
	Dst     string `json:"dst" yaml:"dst"`
	Length  int    `json:"length" yaml:"length"`
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func reportToView(r *sim.Report) *reportView {
	v := &reportView{
		Duration: r.Duration.String(),
		Seed:     r.Seed,
		Events:   r.Events,
		Totals:   r.Totals,
		Nodes:    make([]nodeView, 0, len(r.Nodes)),
	}

	for _, n := range r.Nodes {
		v.Nodes = append(v.Nodes, nodeView{
			ID:    uint16(n.ID),
			State: n.State,
			App:   n.App,
			MAC:   n.MAC,
			Radio: radioView{
				Sleep:      n.Radio.Sleep.String(),
				Listen:     n.Radio.Listen.String(),
				Transmit:   n.Radio.Transmit.String(),
				DutyCycle:  n.Radio.DutyCycle,
				Frames:     n.Radio.Frames,
				Received:   n.Radio.Received,
				Lost:       n.Radio.Lost,
				Collisions: n.Radio.Collisions,
			},
		})
	}

	return v
}

func frameToView(f *mac.Frame) *frameView {
	return &frameView{
		Kind:    f.Kind.String(),
		Src:     f.Src.String(),
		Dst:     f.Dst.String(),
		Length:  len(f.Payload),
		Payload: hex.EncodeToString(f.Payload),
	}
}
