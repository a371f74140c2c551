package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gocsma/internal/mac"
)

// Sentinel errors for CLI validation.
var (
	errUnknownFrameKind = errors.New("unknown frame kind, expected data or ack")
	errPayloadConflict  = errors.New("--payload and --text are mutually exclusive")
)

// hexSeparators strips the separators commonly found in captured hex dumps.
var hexSeparators = strings.NewReplacer(" ", "", ":", "", "-", "", "\n", "", "\t", "")

// --- decode ---

func decodeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <hex>...",
		Short: "Decode an on-air MAC frame",
		Long: "Decode a hex-encoded MAC frame. Arguments are concatenated and may " +
			"contain spaces, colons or dashes between bytes.",
		Example: "  gocsma decode 00 0001 0002 0003 616263",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := decodeFrame(strings.Join(args, ""))
			if err != nil {
				return err
			}

			out, err := formatFrame(f, opts.format)
			if err != nil {
				return fmt.Errorf("format frame: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}

// decodeFrame parses a hex dump into a frame that owns its payload.
func decodeFrame(s string) (*mac.Frame, error) {
	buf, err := hex.DecodeString(hexSeparators.Replace(s))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}

	var f mac.Frame
	if err := mac.UnmarshalFrame(buf, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	return f.Clone(), nil
}

// --- encode ---

func encodeCmd() *cobra.Command {
	var (
		kind       string
		src        string
		dst        string
		payloadHex string
		text       string
	)

	cmd := &cobra.Command{
		Use:     "encode",
		Short:   "Encode a MAC frame as hex",
		Example: "  gocsma encode --src 1 --dst 2 --text hello\n  gocsma encode --kind ack --src 2 --dst 1",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := buildFrame(kind, src, dst, payloadHex, text)
			if err != nil {
				return err
			}

			wire, err := mac.AppendFrame(nil, f)
			if err != nil {
				return fmt.Errorf("encode frame: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(wire))

			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "data", "frame kind: data, ack")
	cmd.Flags().StringVar(&src, "src", "", "source node id")
	cmd.Flags().StringVar(&dst, "dst", "", "destination node id or broadcast")
	cmd.Flags().StringVar(&payloadHex, "payload", "", "payload as hex")
	cmd.Flags().StringVar(&text, "text", "", "payload as text")

	_ = cmd.MarkFlagRequired("src")
	_ = cmd.MarkFlagRequired("dst")

	return cmd
}

// buildFrame assembles a frame from encode flag values.
func buildFrame(kind, src, dst, payloadHex, text string) (*mac.Frame, error) {
	f := &mac.Frame{}

	switch strings.ToLower(kind) {
	case "data":
		f.Kind = mac.FrameData
	case "ack":
		f.Kind = mac.FrameAck
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrameKind, kind)
	}

	var err error
	if f.Src, err = mac.ParseNodeID(src); err != nil {
		return nil, fmt.Errorf("--src: %w", err)
	}
	if f.Dst, err = mac.ParseNodeID(dst); err != nil {
		return nil, fmt.Errorf("--dst: %w", err)
	}

	switch {
	case payloadHex != "" && text != "":
		return nil, errPayloadConflict
	case payloadHex != "":
		if f.Payload, err = hex.DecodeString(hexSeparators.Replace(payloadHex)); err != nil {
			return nil, fmt.Errorf("--payload: %w", err)
		}
	case text != "":
		f.Payload = []byte(text)
	}

	return f, nil
}
