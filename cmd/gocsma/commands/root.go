package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	// format controls the output format for all commands (table, json or yaml).
	format string
}

// newRootCmd builds the top-level cobra command for gocsma.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gocsma",
		Short: "CSMA/LPL MAC protocol simulator",
		Long: "gocsma runs discrete-event simulations of a low-power-listening CSMA MAC " +
			"with ACK-based retransmission and decodes its on-air frames.",
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.format, "format", formatTable,
		"output format: table, json, yaml")

	cmd.AddCommand(runCmd(opts))
	cmd.AddCommand(decodeCmd(opts))
	cmd.AddCommand(encodeCmd())
	cmd.AddCommand(versionCmd(opts))

	return cmd
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
