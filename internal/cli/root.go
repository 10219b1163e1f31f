package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iago/wa-lead-router/internal/app"
	"github.com/iago/wa-lead-router/internal/config"
	"github.com/iago/wa-lead-router/internal/logging"
)

// Builder wires the application for one command invocation.
type Builder func(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*app.App, error)

// DefaultBuilder connects to the configured Postgres and Redis. Operator
// commands act on shared state, so the in-memory fallback is refused.
func DefaultBuilder(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*app.App, error) {
	return app.Build(ctx, cfg, logger, app.Options{RequireDatabase: true})
}

type runtime struct {
	app    *app.App
	logger *zap.SugaredLogger
}

type runtimeKey struct{}

func fromCommand(cmd *cobra.Command) (*runtime, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("command runtime not initialized")
	}
	return rt, nil
}

// NewRootCommand builds the leadctl command tree.
func NewRootCommand(build Builder) *cobra.Command {
	var (
		configPath string
		verbose    bool
		rt         *runtime
	)

	root := &cobra.Command{
		Use:   "leadctl",
		Short: "Operate the WhatsApp lead distribution engine",
		Long: `leadctl runs operator tasks against the lead router's database.

Examples:
  leadctl migrate                 # Apply pending schema migrations
  leadctl sweep --limit 100       # Roll over expired offers once
  leadctl stop-all                # Stop every active distribution cycle
  leadctl cycle <leadID> --json   # Show a lead's latest cycle
  leadctl queue                   # Show the agent rotation`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if !verbose {
				level = "warn"
			}
			logger, err := logging.New(cfg.AppEnv, level)
			if err != nil {
				return errors.Wrap(err, "initialize logger")
			}

			components, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			rt = &runtime{app: components, logger: logger}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, rt))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt != nil {
				rt.app.Close()
				_ = rt.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to the YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at the configured level instead of warn")

	root.AddCommand(
		newMigrateCommand(),
		newSweepCommand(),
		newStopAllCommand(),
		newCycleCommand(),
		newQueueCommand(),
	)
	return root
}

// Execute runs leadctl with os.Args.
func Execute() error {
	return NewRootCommand(DefaultBuilder).ExecuteContext(context.Background())
}

func defaultConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "configs/default.yaml"
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
