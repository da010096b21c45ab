package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/observability"
	"github.com/xkilldash9x/slotrunner/internal/results"
)

func newResultsCmd() *cobra.Command {
	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect recorded session results",
	}
	resultsCmd.AddCommand(newResultsTailCmd())
	return resultsCmd
}

func newResultsTailCmd() *cobra.Command {
	var fromStart, poll bool

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the JSONL results file and print each result as it is recorded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			out := cmd.OutOrStdout()

			opts := results.FollowOptions{
				FromStart: fromStart,
				Poll:      poll,
				OnBadLine: func(line string, err error) {
					logger.Warn("Skipping unreadable result line.", zap.String("line", line), zap.Error(err))
				},
			}
			return results.Follow(ctx, cfg.Results.JSONLPath, opts, func(r schemas.SessionResult) {
				fmt.Fprintln(out, formatResult(r))
			})
		},
	}
	tailCmd.Flags().String("results-file", "", "JSONL results file (overrides results.jsonl_path)")
	tailCmd.Flags().BoolVar(&fromStart, "from-start", false, "print existing results before following")
	tailCmd.Flags().BoolVar(&poll, "poll-file", false, "poll the file instead of using file system notifications")
	return tailCmd
}

func formatResult(r schemas.SessionResult) string {
	line := fmt.Sprintf("%s  %-22s %s", r.Timestamp.Local().Format("15:04:05"), r.Status, r.Subject)
	switch {
	case r.Reference != "":
		line += "  ref=" + r.Reference
	case r.ErrorKind != schemas.KindNone:
		line += "  " + string(r.ErrorKind)
		if r.FailedStep != "" {
			line += "@" + r.FailedStep
		}
	}
	return line
}
