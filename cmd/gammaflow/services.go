package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/sawpanic/gammaflow/internal/builder"
	"github.com/sawpanic/gammaflow/internal/config"
	"github.com/sawpanic/gammaflow/internal/epoch"
	"github.com/sawpanic/gammaflow/internal/hydrator"
	"github.com/sawpanic/gammaflow/internal/ingest/baseline"
	streamingest "github.com/sawpanic/gammaflow/internal/ingest/stream"
	ops "github.com/sawpanic/gammaflow/internal/interfaces/http"
	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/orchestrator"
	"github.com/sawpanic/gammaflow/internal/persistence"
	"github.com/sawpanic/gammaflow/internal/persistence/postgres"
	"github.com/sawpanic/gammaflow/internal/providers/marketdata"
	"github.com/sawpanic/gammaflow/internal/publisher"
	"github.com/sawpanic/gammaflow/internal/regime"
	"github.com/sawpanic/gammaflow/internal/scheduler"
	"github.com/sawpanic/gammaflow/internal/store"
	"github.com/sawpanic/gammaflow/internal/stream"
)

// payoffModel is the model name the payoff grid is published under.
const payoffModel = "payoff"

// serviceSpec is one entry of the service catalog.
type serviceSpec struct {
	orchestrator.Service
	needsProvider bool
	needsStream   bool
	build         func(rt *runtime) (orchestrator.Task, error)
}

func catalog() []serviceSpec {
	return []serviceSpec{
		{Service: orchestrator.Service{Name: "ops", Description: "health, metrics and model state over HTTP"}, build: buildOps},
		{Service: orchestrator.Service{Name: "baseline", Description: "dual-lane chain snapshot refresh"}, needsProvider: true, build: buildBaseline},
		{Service: orchestrator.Service{Name: "stream", Description: "push feed into the raw logs", DependsOn: []string{"baseline"}}, needsStream: true, build: buildStream},
		{Service: orchestrator.Service{Name: "hydrator", Description: "apply ticks, track dirty instruments", DependsOn: []string{"stream"}}, build: buildHydrator},
		{Service: orchestrator.Service{Name: "materializer", Description: "write merged surfaces and flow totals", DependsOn: []string{"hydrator"}}, build: buildMaterializer},
		{Service: orchestrator.Service{Name: "exposure", Description: "per-side exposure artifacts", DependsOn: []string{"hydrator"}}, build: buildExposure},
		{Service: orchestrator.Service{Name: "payoff", Description: "payoff grid deltas", DependsOn: []string{"hydrator"}}, build: buildPayoff},
		{Service: orchestrator.Service{Name: "regime", Description: "regime score from exposure", DependsOn: []string{"exposure"}}, build: buildRegime},
		{Service: orchestrator.Service{Name: "publisher", Description: "publisher stats emission", DependsOn: []string{"payoff"}}, build: buildPublisherStats},
	}
}

// selectServices keeps the named services. Dependencies outside the selection are assumed to
// run in another process and are dropped.
func selectServices(all []serviceSpec, names []string) ([]serviceSpec, error) {
	if len(names) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}
	var out []serviceSpec
	for _, spec := range all {
		if !want[spec.Name] {
			continue
		}
		delete(want, spec.Name)
		var deps []string
		for _, d := range spec.DependsOn {
			for _, n := range names {
				if strings.TrimSpace(n) == d {
					deps = append(deps, d)
				}
			}
		}
		spec.DependsOn = deps
		out = append(out, spec)
	}
	if len(want) > 0 {
		var unknown []string
		for n := range want {
			unknown = append(unknown, n)
		}
		return nil, fmt.Errorf("unknown services: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func servicesOf(specs []serviceSpec) []orchestrator.Service {
	out := make([]orchestrator.Service, len(specs))
	for i, s := range specs {
		out[i] = s.Service
	}
	return out
}

// runtime holds the components shared across services of one process.
type runtime struct {
	cfg      *config.Config
	reg      *metrics.Registry
	store    store.Store
	epochs   *epoch.Manager
	selected map[string]bool

	states  func() map[string]string
	closers []func() error

	hydrator  *hydrator.Hydrator
	sched     *scheduler.Scheduler
	provider  *marketdata.Client
	bcast     *stream.Broadcaster
	payoffPub *publisher.Publisher
	archive   persistence.RegimeRepo
	archived  bool
}

func newRuntime(cfg *config.Config, st store.Store, selected []serviceSpec) *runtime {
	reg := metrics.New()
	rt := &runtime{
		cfg:   cfg,
		reg:   reg,
		store: st,
		epochs: epoch.NewManager(st, epoch.Config{
			DormantThreshold: cfg.Epoch.DormantThreshold,
			TTL:              cfg.Epoch.TTL,
			Grace:            cfg.Epoch.Grace,
			TimelineTTL:      cfg.Epoch.TimelineTTL,
		}, reg),
		selected: make(map[string]bool, len(selected)),
	}
	for _, s := range selected {
		rt.selected[s.Name] = true
	}
	return rt
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
}

func (rt *runtime) getHydrator() *hydrator.Hydrator {
	if rt.hydrator == nil {
		h := rt.cfg.Hydrator
		rt.hydrator = hydrator.New(rt.store, rt.epochs, hydrator.Config{
			Symbols:             rt.cfg.Symbols,
			Group:               h.Group,
			Consumer:            h.Consumer,
			Batch:               h.Batch,
			Block:               h.Block,
			MaterializeInterval: h.MaterializeInterval,
			StaleAfter:          h.StaleAfter,
			DirtyConsumers:      h.DirtyConsumers,
			RootAliases:         h.RootAliases,
		}, rt.reg)
	}
	return rt.hydrator
}

// surfaces reads the in-process hydrator when it runs here, else the materialized surfaces.
func (rt *runtime) surfaces() builder.SurfaceSource {
	if rt.selected["hydrator"] {
		return rt.getHydrator()
	}
	return hydrator.StoreSurface{Store: rt.store}
}

func (rt *runtime) broadcaster() (*stream.Broadcaster, error) {
	if rt.bcast != nil {
		return rt.bcast, nil
	}
	var mirror stream.Mirror
	if rt.cfg.NATSURL != "" {
		nc, err := stream.ConnectNATS(rt.cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		rt.closers = append(rt.closers, func() error { return nc.Drain() })
		mirror = nc
	}
	rt.bcast = stream.NewBroadcaster(rt.store, mirror)
	return rt.bcast, nil
}

func (rt *runtime) payoffPublisher() (*publisher.Publisher, error) {
	if rt.payoffPub != nil {
		return rt.payoffPub, nil
	}
	bcast, err := rt.broadcaster()
	if err != nil {
		return nil, err
	}
	p := rt.cfg.Publisher
	rt.payoffPub = publisher.New(payoffModel, rt.store, bcast, publisher.Config{
		LatestTTL:     p.LatestTTL,
		ReplayTTL:     p.ReplayTTL,
		ReplayMaxLen:  p.ReplayMaxLen,
		GapThreshold:  p.GapThreshold,
		StatsInterval: p.StatsInterval,
	}, rt.reg)
	return rt.payoffPub, nil
}

// regimeArchive opens the optional Postgres archive once. A failed open disables archiving.
func (rt *runtime) regimeArchive(ctx context.Context) persistence.RegimeRepo {
	if rt.archived || rt.cfg.ArchiveDSN == "" {
		return rt.archive
	}
	rt.archived = true
	repo, closeDB, err := postgres.Open(ctx, postgres.DefaultConfig(rt.cfg.ArchiveDSN))
	if err != nil {
		log.Warn().Err(err).Msg("Regime archive unavailable, continuing without it")
		return nil
	}
	rt.closers = append(rt.closers, closeDB)
	rt.archive = repo
	return repo
}

func buildOps(rt *runtime) (orchestrator.Task, error) {
	checks := []ops.HealthCheck{
		{Name: "store", Critical: true, Check: rt.store.Ping},
	}
	if archive := rt.regimeArchive(context.Background()); archive != nil {
		checks = append(checks, ops.HealthCheck{Name: "archive", Check: archive.Ping})
	}
	if rt.selected["payoff"] || rt.selected["publisher"] {
		bcast, err := rt.broadcaster()
		if err != nil {
			return nil, err
		}
		checks = append(checks, ops.HealthCheck{Name: "broadcast", Check: func(ctx context.Context) error {
			if h := bcast.Health(); h.LastError != "" {
				return errors.New(h.LastError)
			}
			return nil
		}})
	}
	var sch *scheduler.Scheduler
	if rt.selected["baseline"] {
		var err error
		if sch, err = rt.baselineScheduler(); err != nil {
			return nil, err
		}
		checks = append(checks, ops.HealthCheck{Name: "provider", Check: rt.provider.Check})
	}

	health := ops.NewHealthHandler(version, func() map[string]string {
		if rt.states == nil {
			return nil
		}
		return rt.states()
	}, checks...)
	deps := ops.Deps{
		Store:   rt.store,
		Epochs:  rt.epochs,
		Metrics: rt.reg,
		Health:  health,
	}
	if sch != nil {
		deps.Scheduler, deps.Provider = sch, rt.provider
	}
	srv := ops.NewServer(ops.DefaultServerConfig(rt.cfg.OpsAddr), deps)
	return srv.Run, nil
}

func buildBaseline(rt *runtime) (orchestrator.Task, error) {
	sch, err := rt.baselineScheduler()
	if err != nil {
		return nil, err
	}
	return sch.Run, nil
}

// baselineScheduler builds the provider client, ingestor and dual-lane scheduler once.
func (rt *runtime) baselineScheduler() (*scheduler.Scheduler, error) {
	if rt.sched != nil {
		return rt.sched, nil
	}
	p := rt.cfg.Provider
	client, err := marketdata.NewClient(marketdata.Config{
		BaseURL: p.BaseURL,
		APIKey:  p.APIKey,
		Timeout: p.Timeout,
		RPS:     p.RPS,
		Burst:   p.Burst,
	})
	if err != nil {
		return nil, err
	}
	b := rt.cfg.Baseline
	ing := baseline.New(client, rt.store, rt.epochs, baseline.Config{
		Expirations:      b.Expirations,
		HorizonDays:      b.HorizonDays,
		WindowMultiplier: b.WindowMultiplier,
		FallbackWindow:   b.FallbackWindow,
		Inclusive:        b.InclusiveBounds,
		TTL:              b.TTL,
		VolProxy:         b.VolProxy,
		ChannelPrefixes:  b.ChannelPrefixes,
	}, rt.reg)

	var priority, standard []string
	isPriority := make(map[string]bool, len(b.PrioritySymbols))
	for _, s := range b.PrioritySymbols {
		isPriority[s] = true
	}
	for _, s := range rt.cfg.Symbols {
		if isPriority[s] {
			priority = append(priority, s)
		} else {
			standard = append(standard, s)
		}
	}

	sch, err := scheduler.New(scheduler.Config{
		PriorityInterval: b.IntervalPriority,
		StandardInterval: b.IntervalStandard,
		MaxInflight:      rt.cfg.Scheduler.MaxInflight,
		Poll:             rt.cfg.Scheduler.Poll,
		CycleTimeout:     rt.cfg.Scheduler.CycleTimeout,
	}, priority, standard, func(ctx context.Context, symbol string) error {
		_, err := ing.RunCycle(ctx, symbol)
		return err
	}, rt.reg)
	if err != nil {
		return nil, err
	}
	rt.sched, rt.provider = sch, client
	return sch, nil
}

func buildStream(rt *runtime) (orchestrator.Task, error) {
	s := rt.cfg.Stream
	ing := streamingest.New(rt.store, streamingest.Config{
		URL:               s.URL,
		SubscribeTemplate: s.SubscribeTemplate,
		BackoffInitial:    s.BackoffInitial,
		BackoffMax:        s.BackoffMax,
		MaxLen:            s.MaxLen,
	}, rt.reg)

	symbols := rt.cfg.Symbols
	return func(ctx context.Context, stop <-chan struct{}) error {
		var wg conc.WaitGroup
		errs := make([]error, len(symbols))
		for i, sym := range symbols {
			wg.Go(func() { errs[i] = ing.Run(ctx, stop, sym) })
		}
		wg.Wait()
		return errors.Join(errs...)
	}, nil
}

func buildHydrator(rt *runtime) (orchestrator.Task, error) {
	return rt.getHydrator().Run, nil
}

func buildMaterializer(rt *runtime) (orchestrator.Task, error) {
	return rt.getHydrator().RunMaterializer, nil
}

func buildExposure(rt *runtime) (orchestrator.Task, error) {
	e := rt.cfg.Exposure
	b := builder.NewExposureBuilder(rt.surfaces(), rt.epochs, rt.store, e.Multiplier, e.TTL)
	return builder.NewRunner(b, rt.cfg.Symbols, e.Interval, rt.store, rt.reg).Run, nil
}

func buildPayoff(rt *runtime) (orchestrator.Task, error) {
	pub, err := rt.payoffPublisher()
	if err != nil {
		return nil, err
	}
	b := builder.NewPayoffBuilder(rt.surfaces(), rt.epochs, rt.store, pub, rt.cfg.Payoff.Widths, payoffModel)
	return builder.NewRunner(b, rt.cfg.Symbols, rt.cfg.Payoff.Interval, rt.store, rt.reg).Run, nil
}

func buildRegime(rt *runtime) (orchestrator.Task, error) {
	r := rt.cfg.Regime
	weights := regime.DefaultWeights()
	if r.WeightsFile != "" {
		w, err := regime.LoadWeights(r.WeightsFile)
		if err != nil {
			return nil, err
		}
		weights = w
	}
	det := regime.NewDetector(regime.Config{FlipProximityPct: r.FlipProximityPct, NearBandPct: r.NearBandPct, Weights: weights})
	b := builder.NewRegimeBuilder(rt.epochs, rt.store, det, rt.regimeArchive(context.Background()), r.TTL)
	return builder.NewRunner(b, rt.cfg.Symbols, r.Interval, rt.store, rt.reg).Run, nil
}

func buildPublisherStats(rt *runtime) (orchestrator.Task, error) {
	pub, err := rt.payoffPublisher()
	if err != nil {
		return nil, err
	}
	return pub.RunStats, nil
}
