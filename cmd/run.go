package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/availability"
	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/observability"
	"github.com/xkilldash9x/slotrunner/internal/orchestrator"
	"github.com/xkilldash9x/slotrunner/internal/session"
	"github.com/xkilldash9x/slotrunner/internal/subjects"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Book an appointment for every subject in the subjects file",
		Long: `Loads the subjects file, waits for availability once, then drives one
isolated browser context per subject through login and the booking wizard.
Every subject ends with exactly one result: booked, submitted_unconfirmed
or failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			return runBooking(ctx, cfg, observability.GetLogger(), cmd.OutOrStdout())
		},
	}

	flags := runCmd.Flags()
	flags.String("subjects", "", "CSV file with one subject per row (overrides run.subjects_file)")
	flags.Int("max-subjects", 0, "maximum number of subjects to run (overrides run.max_subjects)")
	flags.String("discipline", "", `"sequential" or "parallel" (overrides run.discipline)`)
	flags.Float64("launch-rate", 0, "session starts per second (overrides run.launch_rate)")
	flags.Bool("screenshots", false, "save a screenshot after every wizard step")
	addBrowserFlags(runCmd)
	return runCmd
}

// addBrowserFlags registers the flags shared by every command that drives
// the browser.
func addBrowserFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Bool("headless", true, "run the browser without a window")
	flags.String("proxy", "", "upstream proxy URL, e.g. http://host:port or socks5://host:port")
	flags.Bool("poll", true, "wait for availability before starting the wizard")
	flags.Duration("poll-window", 0, "how long to wait for availability (overrides poll.window)")
	flags.Duration("poll-interval", 0, "delay between availability checks (overrides poll.interval)")
	flags.Duration("challenge-timeout", 0, "how long to wait for the interstitial to clear (overrides challenge.timeout)")
}

func runBooking(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	subs, err := subjects.Load(cfg.Run.SubjectsFile, cfg.Run.MaxSubjects, logger)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return fmt.Errorf("no subjects found in %s", cfg.Run.SubjectsFile)
	}

	sinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Warn("Failed to close result sinks.", zap.Error(err))
		}
	}()

	env, err := openEnvironment(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Shutdown()

	runID := uuid.NewString()
	opts := []session.Option{session.WithRunID(runID)}
	if cfg.Poll.Enabled {
		opts = append(opts, session.WithAvailabilityGate(availability.NewGate()))
	}
	runner, err := env.newRunner(opts...)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(cfg, logger, runner, sinks)
	if err != nil {
		return err
	}

	summary, runErr := orch.Run(ctx, runID, subs)
	if err := printSummary(out, summary); err != nil {
		logger.Warn("Failed to print run summary.", zap.Error(err))
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("run aborted by signal: %w", runErr)
		}
		return runErr
	}
	return nil
}

func printSummary(out io.Writer, s schemas.RunSummary) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nRun %s: %d booked, %d submitted unconfirmed, %d failed\n\n",
		s.RunID,
		s.Counts[schemas.StatusBooked],
		s.Counts[schemas.StatusSubmittedUnconfirmed],
		s.Counts[schemas.StatusFailed],
	)
	fmt.Fprintln(tw, "SUBJECT\tNAME\tSTATUS\tREFERENCE\tERROR")
	for _, r := range s.Results {
		detail := r.Error
		if r.ErrorKind != schemas.KindNone {
			detail = string(r.ErrorKind)
			if r.FailedStep != "" {
				detail += " at " + r.FailedStep
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Subject, r.Name, r.Status, r.Reference, detail)
	}
	return tw.Flush()
}
