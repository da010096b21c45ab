package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the application version.
// It is set at build time with -ldflags "-X github.com/xkilldash9x/slotrunner/cmd.Version=1.0.0".
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Printing the version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "slotrunner %s\n", Version)
			return err
		},
	}
}
