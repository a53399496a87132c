package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/HendryAvila/activitylog/internal/config"
	"github.com/HendryAvila/activitylog/internal/logging"
	"github.com/HendryAvila/activitylog/internal/server"
)

// rootFlags are shared by every command.
type rootFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	envFile    string
}

func (f *rootFlags) options() config.Options {
	return config.Options{Path: f.configPath, DataDir: f.dataDir, LogLevel: f.logLevel}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "activitylog",
		Short: "Activity session engine",
		Long: `activitylog turns activity detections into sessions and answers
natural-language questions about them.

Configuration is read from <data-dir>/config.yaml (or --config) and the
ACTIVITYLOG_* environment variables. API keys (ANTHROPIC_API_KEY,
OPENAI_API_KEY, GEMINI_API_KEY) may also come from a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(flags.envFile)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default <data-dir>/config.yaml)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "data directory (default ~/.activitylog)")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file with API keys")

	root.AddCommand(
		newServeCmd(flags),
		newMCPCmd(flags),
		newIngestCmd(flags),
		newQueryCmd(flags),
		newStatsCmd(flags),
		newSessionsCmd(flags),
		newReindexCmd(flags),
		newPruneCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configuration and builds the stderr logger.
func loadConfig(flags *rootFlags, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.options())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withEngine opens the engine for the duration of fn.
func withEngine(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, e *server.Engine) error) error {
	cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := server.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			logger.Warn("close engine", "error", cerr)
		}
	}()
	return fn(ctx, e)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "activitylog v%s\n", server.Version)
		},
	}
}
