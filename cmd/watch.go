package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/availability"
	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/observability"
)

// errNotAvailable makes a watch that expires exit non-zero, for scripts.
var errNotAvailable = errors.New("no availability observed within the poll window")

func newWatchCmd() *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Sign in with the configured account and wait for appointment availability, without booking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			return runWatch(ctx, cfg, observability.GetLogger(), cmd.OutOrStdout())
		},
	}
	addBrowserFlags(watchCmd)
	return watchCmd
}

func runWatch(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	if cfg.Account.Email == "" {
		return errors.New("account.email is required for watch. Set SLOTRUNNER_ACCOUNT_EMAIL")
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
	account := schemas.SubjectFromMap(0, map[string]string{schemas.FieldEmail: cfg.Account.Email})
	res, err := runner.Watch(ctx, account)
	if err != nil {
		return err
	}
	if res != availability.Available {
		fmt.Fprintln(out, "No availability.")
		return errNotAvailable
	}
	fmt.Fprintln(out, "Appointments available.")
	return nil
}
