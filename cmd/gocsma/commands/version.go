package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/gocsma/internal/version"
)

func versionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print gocsma build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.format == formatTable {
				fmt.Fprintln(cmd.OutOrStdout(), appversion.Full("gocsma"))
				return nil
			}

			out, err := marshalView(appversion.Get("gocsma"), opts.format)
			if err != nil {
				return fmt.Errorf("format version: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}
