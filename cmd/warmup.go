package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/observability"
	"github.com/xkilldash9x/slotrunner/internal/subjects"
)

func newWarmupCmd() *cobra.Command {
	warmupCmd := &cobra.Command{
		Use:   "warmup",
		Short: "Sign in once per subject and save each profile's cookies for later runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			return runWarmup(ctx, cfg, observability.GetLogger(), cmd.OutOrStdout())
		},
	}
	warmupCmd.Flags().String("subjects", "", "CSV file with one subject per row (overrides run.subjects_file)")
	warmupCmd.Flags().Int("max-subjects", 0, "maximum number of subjects to warm up (overrides run.max_subjects)")
	addBrowserFlags(warmupCmd)
	return warmupCmd
}

// runWarmup works through subjects one at a time; a failing subject does
// not stop the others.
func runWarmup(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	subs, err := subjects.Load(cfg.Run.SubjectsFile, cfg.Run.MaxSubjects, logger)
	if err != nil {
		return err
	}
	env, err := openEnvironment(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer env.Shutdown()

	runner, err := env.newRunner()
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := runner.Warmup(ctx, s); err != nil {
			logger.Error("Warmup failed.", zap.String("subject", s.Identifier()), zap.Error(err))
			fmt.Fprintf(out, "%s: failed: %v\n", s.Identifier(), err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Identifier(), err))
			continue
		}
		fmt.Fprintf(out, "%s: ready\n", s.Identifier())
	}
	if len(errs) > 0 {
		return fmt.Errorf("warmup incomplete: %w", errors.Join(errs...))
	}
	return nil
}
