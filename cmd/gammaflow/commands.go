package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/gammaflow/internal/config"
	"github.com/sawpanic/gammaflow/internal/epoch"
	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/orchestrator"
	"github.com/sawpanic/gammaflow/internal/persistence"
	"github.com/sawpanic/gammaflow/internal/persistence/postgres"
	"github.com/sawpanic/gammaflow/internal/publisher"
	"github.com/sawpanic/gammaflow/internal/store"
)

func newRunCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all services, or the --services subset, until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			specs, err := selectServices(catalog(), names)
			if err != nil {
				return err
			}
			needProvider, needStream := false, false
			for _, s := range specs {
				needProvider = needProvider || s.needsProvider
				needStream = needStream || s.needsStream
			}
			if err := cfg.Validate(needProvider, needStream); err != nil {
				return err
			}
			return runServices(cmd.Context(), cfg, specs)
		},
	}
	cmd.Flags().StringSliceVar(&names, "services", nil, "Comma-separated subset of services to run")
	return cmd
}

func runServices(parent context.Context, cfg *config.Config, specs []serviceSpec) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, st, specs)
	rt.closers = append(rt.closers, st.Close)
	defer rt.Close()

	if err := st.Ping(parent); err != nil {
		return fmt.Errorf("store unreachable at %s: %w", cfg.Store.Addr, err)
	}

	services := make([]orchestrator.Service, 0, len(specs))
	for _, spec := range specs {
		task, err := spec.build(rt)
		if err != nil {
			return fmt.Errorf("build %s: %w", spec.Name, err)
		}
		svc := spec.Service
		svc.Run = task
		services = append(services, svc)
	}

	ocfg := orchestrator.DefaultConfig()
	ocfg.Grace = cfg.ShutdownGrace
	sup, err := orchestrator.New(services, ocfg, rt.reg)
	if err != nil {
		return err
	}
	rt.states = sup.States

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Strs("symbols", cfg.Symbols).
		Strs("services", sup.Order()).
		Msg("Starting gammaflow")
	return sup.Run(ctx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Addr == "" {
		return nil, fmt.Errorf("%w: store.addr", config.ErrMissing)
	}
	return store.NewRedis(store.RedisConfig{Addr: cfg.Store.Addr, Password: cfg.Store.Password, DB: cfg.Store.DB})
}

func newServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List services and their dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-14s %-20s %s\n", "SERVICE", "DEPENDS ON", "DESCRIPTION")
			for _, s := range catalog() {
				deps := strings.Join(s.DependsOn, ",")
				if deps == "" {
					deps = "-"
				}
				fmt.Fprintf(out, "%-14s %-20s %s\n", s.Name, deps, s.Description)
			}
			return nil
		},
	}
}

// Plan is the dry-run output of the plan command.
type Plan struct {
	Version  string            `json:"version"`
	Order    []string          `json:"order"`
	Missing  string            `json:"missing,omitempty"`
	Settings map[string]string `json:"settings"`
}

func newPlanCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Dry-run the startup plan without connecting to anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			specs, err := selectServices(catalog(), names)
			if err != nil {
				return err
			}
			order, err := orchestrator.Plan(servicesOf(specs))
			if err != nil {
				return err
			}

			plan := Plan{Version: version, Order: order, Settings: cfg.Redacted()}
			needProvider, needStream := false, false
			for _, s := range specs {
				needProvider = needProvider || s.needsProvider
				needStream = needStream || s.needsStream
			}
			if err := cfg.Validate(needProvider, needStream); err != nil {
				plan.Missing = err.Error()
			}
			return printJSON(cmd, plan)
		},
	}
	cmd.Flags().StringSliceVar(&names, "services", nil, "Comma-separated subset of services to plan")
	return cmd
}

func newSupervisorCmd() *cobra.Command {
	var opts orchestrator.DescriptorOptions
	var format string
	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Emit process-supervisor descriptors, one process per service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigPath == "" {
				opts.ConfigPath = flags.configPath
			}
			out, err := orchestrator.Descriptor(format, servicesOf(catalog()), opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "systemd", "Descriptor format (systemd|supervisord)")
	cmd.Flags().StringVar(&opts.Binary, "binary", "", "Path of the gammaflow binary")
	cmd.Flags().StringVar(&opts.ConfigPath, "config-path", "", "Config path passed to each process (defaults to --config)")
	cmd.Flags().StringVar(&opts.WorkDir, "workdir", "", "Working directory")
	cmd.Flags().StringVar(&opts.User, "user", "", "User to run as")
	return cmd
}

func newEpochsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "epochs [symbol]",
		Short: "Print epoch debug state as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			symbol := ""
			if len(args) == 1 {
				symbol = strings.ToUpper(args[0])
			}
			mgr := epoch.NewManager(st, epoch.Config{
				DormantThreshold: cfg.Epoch.DormantThreshold,
				TTL:              cfg.Epoch.TTL,
				Grace:            cfg.Epoch.Grace,
				TimelineTTL:      cfg.Epoch.TimelineTTL,
			}, metrics.New())
			state, err := mgr.DebugState(cmd.Context(), symbol)
			if err != nil {
				return err
			}
			return printJSON(cmd, state)
		},
	}
}

// ReplayReport compares the folded replay log with the latest full state.
type ReplayReport struct {
	Model         string          `json:"model"`
	Symbol        string          `json:"symbol"`
	Replay        publisher.State `json:"replay"`
	LatestVersion int64           `json:"latest_version"`
	Matches       bool            `json:"matches_latest"`
	Diverged      []string        `json:"diverged,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "replay <model> <symbol>",
		Short: "Fold a model's replay log and compare it with the latest state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			modelName, symbol := args[0], strings.ToUpper(args[1])
			replayed, err := publisher.Replay(cmd.Context(), st, modelName, symbol)
			if err != nil {
				return err
			}
			report := ReplayReport{Model: modelName, Symbol: symbol, Replay: replayed}
			if latest, err := publisher.Latest(cmd.Context(), st, modelName, symbol); err == nil {
				report.LatestVersion = latest.Version
				report.Diverged = divergedTiles(replayed.Tiles, latest.Tiles)
				report.Matches = len(report.Diverged) == 0
			} else {
				log.Warn().Err(err).Str("model", modelName).Str("symbol", symbol).Msg("No latest state to compare against")
			}
			if summary {
				report.Replay.Tiles = nil
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "Omit tiles from the output")
	return cmd
}

// RegimeHistory is the archived regime record of one symbol over a window.
type RegimeHistory struct {
	Symbol    string                       `json:"symbol"`
	Window    persistence.TimeRange        `json:"window"`
	Counts    map[string]int64             `json:"counts"`
	Snapshots []persistence.RegimeSnapshot `json:"snapshots,omitempty"`
}

func newRegimeHistoryCmd() *cobra.Command {
	var since time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "regime-history <symbol>",
		Short: "Print archived regime results and per-regime counts for a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.ArchiveDSN == "" {
				return fmt.Errorf("%w: archive.dsn", config.ErrMissing)
			}
			repo, closeDB, err := postgres.Open(cmd.Context(), postgres.DefaultConfig(cfg.ArchiveDSN))
			if err != nil {
				return err
			}
			defer closeDB()

			now := time.Now().UTC()
			tr := persistence.TimeRange{From: now.Add(-since), To: now}
			hist, err := regimeHistory(cmd.Context(), repo, strings.ToUpper(args[0]), tr, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, hist)
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Window length ending now")
	cmd.Flags().IntVar(&limit, "limit", 20, "Most recent snapshots to print, 0 for counts only")
	return cmd
}

func regimeHistory(ctx context.Context, repo persistence.RegimeRepo, symbol string, tr persistence.TimeRange, limit int) (RegimeHistory, error) {
	hist := RegimeHistory{Symbol: symbol, Window: tr}
	counts, err := repo.GetRegimeStats(ctx, symbol, tr)
	if err != nil {
		return hist, err
	}
	hist.Counts = counts
	if limit <= 0 {
		return hist, nil
	}
	snaps, err := repo.ListRange(ctx, symbol, tr)
	if err != nil {
		return hist, err
	}
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	hist.Snapshots = snaps
	return hist, nil
}

func divergedTiles(a, b map[string]json.RawMessage) []string {
	var out []string
	for k, v := range a {
		if w, ok := b[k]; !ok || string(w) != string(v) {
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
