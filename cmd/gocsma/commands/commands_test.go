package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gocsma/internal/config"
	"github.com/dantte-lp/gocsma/internal/mac"
	"github.com/dantte-lp/gocsma/internal/sim"
)

const scenarioYAML = `
log:
  level: "error"
simulation:
  duration: "2s"
  seed: 5
nodes:
  - id: 1
    traffic:
      - dst: 2
        interval: "100ms"
        payload_size: 16
        count: 4
  - id: 2
    x: 20
    traffic:
      - dst: broadcast
        start: "50ms"
        interval: "200ms"
        payload_size: 4
        count: 2
`

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "gocsma.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

// -------------------------------------------------------------------------
// run
// -------------------------------------------------------------------------

func TestRunCommandJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, scenarioYAML)

	out, err := execute(t, "run", "--config", path, "--format", "json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var got reportView
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal output: %v\n%s", err, out)
	}

	if got.Duration != "2s" {
		t.Errorf("Duration = %q, want %q", got.Duration, "2s")
	}
	if got.Seed != 5 {
		t.Errorf("Seed = %d, want 5", got.Seed)
	}
	if len(got.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(got.Nodes))
	}
	if got.Totals.Offered != 6 {
		t.Errorf("Totals.Offered = %d, want 6", got.Totals.Offered)
	}
	if got.Totals.Succeeded != 6 {
		t.Errorf("Totals.Succeeded = %d, want 6", got.Totals.Succeeded)
	}
	if got.Nodes[1].App.Delivered != 4 {
		t.Errorf("node 2 delivered = %d, want 4", got.Nodes[1].App.Delivered)
	}
	if got.Nodes[0].App.Delivered != 2 {
		t.Errorf("node 1 delivered = %d, want 2 broadcasts", got.Nodes[0].App.Delivered)
	}
}

func TestRunCommandTableAndYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, scenarioYAML)

	table, err := execute(t, "run", "-c", path)
	if err != nil {
		t.Fatalf("run table: %v", err)
	}
	for _, want := range []string{"NODE", "DUTY", "Success Ratio:", "Seed:"} {
		if !strings.Contains(table, want) {
			t.Errorf("table output missing %q:\n%s", want, table)
		}
	}

	out, err := execute(t, "run", "-c", path, "--format", "yaml")
	if err != nil {
		t.Fatalf("run yaml: %v", err)
	}

	var got reportView
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal yaml: %v\n%s", err, out)
	}
	if got.Totals.Offered != 6 {
		t.Errorf("Totals.Offered = %d, want 6", got.Totals.Offered)
	}
}

func TestRunCommandErrors(t *testing.T) {
	t.Parallel()

	if _, err := execute(t, "run"); err == nil {
		t.Error("run without --config succeeded")
	}

	bad := writeConfig(t, "nodes: []\n")
	if _, err := execute(t, "run", "-c", bad); !errors.Is(err, config.ErrNoNodes) {
		t.Errorf("run with no nodes error = %v, want %v", err, config.ErrNoNodes)
	}

	path := writeConfig(t, scenarioYAML)
	if _, err := execute(t, "run", "-c", path, "--format", "xml"); !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("run --format xml error = %v, want %v", err, errUnsupportedFormat)
	}
}

func TestRunSimulationServesMetrics(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Simulation.Duration = time.Second
	cfg.Nodes = []config.NodeConfig{
		{ID: 1, Traffic: []config.TrafficConfig{{Dst: "2", Interval: 100 * time.Millisecond, Count: 3}}},
		{ID: 2, X: 10},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan net.Addr, 1)
	type result struct {
		report *sim.Report
		err    error
	}
	done := make(chan result, 1)

	go func() {
		r, err := runSimulation(ctx, cfg, slog.New(slog.DiscardHandler), true, ready)
		done <- result{report: r, err: err}
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case res := <-done:
		t.Fatalf("runSimulation returned before listening: %v", res.err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not start")
	}

	url := "http://" + addr.String() + cfg.Metrics.Path
	body := scrapeUntil(t, url, "gocsma_sim_simulated_seconds 1")

	for _, want := range []string{
		`gocsma_mac_send_outcomes_total{node="1",outcome="Success"} 3`,
		`gocsma_mac_frames_sent_total{kind="Ack",node="2"} 3`,
		`gocsma_sim_radio_duty_cycle_ratio{node="1"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	cancel()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("runSimulation: %v", res.err)
		}
		if res.report.Totals.Succeeded != 3 {
			t.Errorf("Succeeded = %d, want 3", res.report.Totals.Succeeded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runSimulation did not stop after cancel")
	}
}

// scrapeUntil polls url until the body contains marker.
func scrapeUntil(t *testing.T, url, marker string) string {
	t.Helper()

	client := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   time.Second,
	}

	deadline := time.Now().Add(5 * time.Second)
	var body string
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}

		resp, err := client.Do(req)
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(data)
			if strings.Contains(body, marker) {
				return body
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("metrics never contained %q; last body:\n%s", marker, body)
	return ""
}

// -------------------------------------------------------------------------
// decode / encode
// -------------------------------------------------------------------------

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	wire, err := mac.AppendFrame(nil, &mac.Frame{Kind: mac.FrameData, Src: 3, Dst: mac.Broadcast, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}

	out, err := execute(t, "decode", hex.EncodeToString(wire), "--format", "json")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var got frameView
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal output: %v\n%s", err, out)
	}

	want := frameView{Kind: "Data", Src: "3", Dst: "broadcast", Length: 2, Payload: "6869"}
	if got != want {
		t.Errorf("decoded = %+v, want %+v", got, want)
	}
}

func TestDecodeCommandSeparatedHex(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "decode", "01", "00:02", "00-01", "0000")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	for _, want := range []string{"Ack", "Source:", "Destination:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		arg     string
		wantErr error
	}{
		{name: "short frame", arg: "0000", wantErr: mac.ErrFrameTooShort},
		{name: "unknown kind", arg: "07000100020000", wantErr: mac.ErrUnknownFrameKind},
		{name: "length mismatch", arg: "00000100020005", wantErr: mac.ErrLengthMismatch},
		{name: "ack with payload", arg: "0100010002000161", wantErr: mac.ErrAckWithPayload},
		{name: "invalid hex", arg: "zz", wantErr: hex.InvalidByteError('z')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := execute(t, "decode", tt.arg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("decode %s error = %v, want %v", tt.arg, err, tt.wantErr)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	encoded, err := execute(t, "encode", "--src", "1", "--dst", "0x2", "--text", "hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	f, err := decodeFrame(strings.TrimSpace(encoded))
	if err != nil {
		t.Fatalf("decodeFrame(%q): %v", encoded, err)
	}

	if f.Kind != mac.FrameData || f.Src != 1 || f.Dst != 2 || string(f.Payload) != "hello" {
		t.Errorf("frame = %+v, want data 1->2 hello", f)
	}
}

func TestEncodeCommandErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{
			name:    "unknown kind",
			args:    []string{"encode", "--kind", "beacon", "--src", "1", "--dst", "2"},
			wantErr: errUnknownFrameKind,
		},
		{
			name:    "bad src",
			args:    []string{"encode", "--src", "x", "--dst", "2"},
			wantErr: mac.ErrInvalidNodeAddress,
		},
		{
			name:    "payload conflict",
			args:    []string{"encode", "--src", "1", "--dst", "2", "--payload", "00", "--text", "a"},
			wantErr: errPayloadConflict,
		},
		{
			name:    "broadcast ack",
			args:    []string{"encode", "--kind", "ack", "--src", "1", "--dst", "broadcast"},
			wantErr: mac.ErrBroadcastAck,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := execute(t, tt.args...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// -------------------------------------------------------------------------
// version
// -------------------------------------------------------------------------

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "gocsma ") {
		t.Errorf("version output = %q, want gocsma prefix", out)
	}

	out, err = execute(t, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if info["binary"] != "gocsma" {
		t.Errorf("binary = %q, want %q", info["binary"], "gocsma")
	}
}

func TestFormatUnsupported(t *testing.T) {
	t.Parallel()

	if _, err := formatReport(&sim.Report{}, "csv"); !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("formatReport(csv) error = %v, want %v", err, errUnsupportedFormat)
	}
	if _, err := formatFrame(&mac.Frame{}, "csv"); !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("formatFrame(csv) error = %v, want %v", err, errUnsupportedFormat)
	}
}
