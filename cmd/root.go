package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/internal/config"
	"github.com/xkilldash9x/slotrunner/internal/observability"
)

type contextKey int

const configKey contextKey = iota

// envPrefix namespaces every environment override, e.g. SLOTRUNNER_RUN_MAX_SUBJECTS.
const envPrefix = "SLOTRUNNER"

// flagKeys maps command flags onto the configuration keys they override.
var flagKeys = map[string]string{
	"subjects":          "run.subjects_file",
	"max-subjects":      "run.max_subjects",
	"discipline":        "run.discipline",
	"launch-rate":       "run.launch_rate",
	"screenshots":       "run.screenshots",
	"headless":          "browser.headless",
	"proxy":             "network.proxy.address",
	"poll":              "poll.enabled",
	"poll-window":       "poll.window",
	"poll-interval":     "poll.interval",
	"challenge-timeout": "challenge.timeout",
	"results-file":      "results.jsonl_path",
}

// NewRootCommand builds the command tree. Every call returns an independent
// tree, so tests and repeated executions never share flag state.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "slotrunner",
		Short:         "Slotrunner drives appointment booking sessions, one isolated browser context per applicant.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "slotrunner"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Info("Starting slotrunner.", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(),
		newWatchCmd(),
		newWarmupCmd(),
		newResultsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree against ctx, which should be cancelled on
// SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command interrupted.")
		} else {
			observability.GetLogger().Error("Command execution failed.", zap.Error(err))
		}
		return err
	}
	return nil
}

// initializeConfig layers the config file, SLOTRUNNER_* environment
// variables and changed flags over the defaults already in v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return bindFlags(cmd, v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("binding --%s: %w", f.Name, err))
		}
	})
	if f := cmd.Flags().Lookup("proxy"); f != nil && f.Changed && f.Value.String() != "" {
		v.Set("network.proxy.enabled", true)
	}
	return errors.Join(errs...)
}

// configFrom returns the configuration PersistentPreRunE stored in ctx.
func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
