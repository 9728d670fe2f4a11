package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/gammaflow/internal/config"
)

const (
	appName = "gammaflow"
	version = "v0.4.0"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

var flags globalFlags

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flags.configPath, "config", os.Getenv("GAMMAFLOW_CONFIG"), "YAML config file (env GAMMAFLOW_* overrides)")
	fs.StringVar(&flags.logLevel, "log-level", "", "Log level (overrides log.level)")
	fs.StringVar(&flags.logFormat, "log-format", "auto", "Log format (auto|console|json)")
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Options-market data pipeline: baseline, stream, hydrate, build, publish",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `gammaflow keeps a per-symbol option surface current by merging periodic chain
snapshots with a live quote feed, rebuilds exposure, payoff and regime models from
the merged view, and publishes versioned delta patches with a replayable log.`,
	}
	addGlobalFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newRunCmd(),
		newServicesCmd(),
		newPlanCmd(),
		newSupervisorCmd(),
		newEpochsCmd(),
		newReplayCmd(),
		newRegimeHistoryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then configures logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		setupLogging("info")
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	setupLogging(level)
	return cfg, nil
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	console := term.IsTerminal(int(os.Stderr.Fd()))
	switch flags.logFormat {
	case "console":
		console = true
	case "json":
		console = false
	}
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", appName).Logger()
	}
}
