package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/keys"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "dodeka-oauth",
	Short:         "OPAQUE based OAuth 2.1 / OpenID Connect authorization server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return nil
		}
		// a missing .env is normal outside development
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config-file", "f", "", "config file (yaml, toml or json)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
}

// runtime is what every subcommand needs: settings, logger, telemetry,
// stores and the key manager.
type runtime struct {
	settings *settings
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation
	stores   *stores
	keys     *keys.Manager
}

func newRuntime(ctx context.Context) (*runtime, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}
	s, err := loadSettings(v)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(os.Stderr, s.LogFormat, s.LogLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	inst, err := instrumentation.New(ctx, s.instrumentationConfig(Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	st, err := openStores(ctx, s, logger, inst)
	if err != nil {
		_ = inst.Shutdown(ctx)
		return nil, err
	}

	km, err := keys.NewManager(st.keys, st.cache, s.DeploymentSecret, logger)
	if err != nil {
		st.Close()
		_ = inst.Shutdown(ctx)
		return nil, err
	}

	return &runtime{settings: s, logger: logger, inst: inst, stores: st, keys: km}, nil
}

func (r *runtime) Close(ctx context.Context) {
	r.stores.Close()
	if err := r.inst.Shutdown(ctx); err != nil {
		r.logger.Warn("Failed to shut down instrumentation", "error", err)
	}
}
