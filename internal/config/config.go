// Package config loads the flat tunable map supplied at process start and decodes it into typed sections.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissing is returned when a required correctness- or security-critical value is absent.
var ErrMissing = errors.New("missing required configuration")

var required = []string{
	"symbols",
	"store.addr",
	"provider.base_url",
	"provider.api_key",
	"stream.url",
}

var defaults = map[string]string{
	"log.level": "info",

	"store.password": "",
	"store.db":       "0",

	"provider.timeout": "10s",
	"provider.rps":     "5",
	"provider.burst":   "5",

	"baseline.interval_priority": "60s",
	"baseline.interval_standard": "300s",
	"baseline.priority_symbols":  "",
	"baseline.expirations":       "3",
	"baseline.horizon_days":      "1",
	"baseline.window_multiplier": "2.0",
	"baseline.fallback_window":   "150",
	"baseline.inclusive_bounds":  "false",
	"baseline.ttl":               "72h",
	"baseline.vol_proxy":         "SPX:VIX,NDX:VXN",
	"baseline.channel_prefixes":  "Q.,T.",

	"scheduler.max_inflight":  "2",
	"scheduler.poll":          "250ms",
	"scheduler.cycle_timeout": "45s",

	"stream.subscribe_template": `{"action":"subscribe","params":"{{channels}}"}`,
	"stream.backoff_initial":    "1s",
	"stream.backoff_max":        "30s",
	"stream.maxlen":             "100000",

	"hydrator.group":                "hydrator",
	"hydrator.consumer":             "",
	"hydrator.batch":                "500",
	"hydrator.block":                "1s",
	"hydrator.materialize_interval": "1s",
	"hydrator.stale_after":          "5m",
	"hydrator.dirty_consumers":      "payoff",
	"hydrator.root_aliases":         "SPXW:SPX,NDXP:NDX",

	"epoch.dormant_threshold": "5",
	"epoch.ttl":               "24h",
	"epoch.grace":             "2m",
	"epoch.timeline_ttl":      "48h",

	"exposure.interval":   "5s",
	"exposure.ttl":        "30s",
	"exposure.multiplier": "100",

	"payoff.interval": "5s",
	"payoff.widths":   "5,10,25",

	"regime.interval":           "10s",
	"regime.ttl":                "60s",
	"regime.weights_file":       "",
	"regime.flip_proximity_pct": "0.5",
	"regime.near_band_pct":      "1.0",

	"publisher.latest_ttl":     "10m",
	"publisher.replay_ttl":     "24h",
	"publisher.replay_maxlen":  "5000",
	"publisher.gap_threshold":  "5s",
	"publisher.stats_interval": "30s",

	"nats.url":       "",
	"archive.dsn":    "",
	"ops.addr":       "127.0.0.1:9090",
	"shutdown.grace": "10s",
}

// Config is the decoded configuration.
type Config struct {
	Symbols       []string
	LogLevel      string
	Store         StoreConfig
	Provider      ProviderConfig
	Baseline      BaselineConfig
	Scheduler     SchedulerConfig
	Stream        StreamConfig
	Hydrator      HydratorConfig
	Epoch         EpochConfig
	Exposure      ExposureConfig
	Payoff        PayoffConfig
	Regime        RegimeConfig
	Publisher     PublisherConfig
	NATSURL       string
	ArchiveDSN    string
	OpsAddr       string
	ShutdownGrace time.Duration

	raw Map
}

type StoreConfig struct {
	Addr     string
	Password string
	DB       int
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

type BaselineConfig struct {
	IntervalPriority time.Duration
	IntervalStandard time.Duration
	PrioritySymbols  []string
	Expirations      int
	HorizonDays      float64
	WindowMultiplier float64
	FallbackWindow   int
	InclusiveBounds  bool
	TTL              time.Duration
	VolProxy         map[string]string
	ChannelPrefixes  []string
}

type SchedulerConfig struct {
	MaxInflight  int
	Poll         time.Duration
	CycleTimeout time.Duration
}

type StreamConfig struct {
	URL               string
	SubscribeTemplate string
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxLen            int64
}

type HydratorConfig struct {
	Group               string
	Consumer            string
	Batch               int64
	Block               time.Duration
	MaterializeInterval time.Duration
	StaleAfter          time.Duration
	DirtyConsumers      []string
	RootAliases         map[string]string
}

type EpochConfig struct {
	DormantThreshold int
	TTL              time.Duration
	Grace            time.Duration
	TimelineTTL      time.Duration
}

type ExposureConfig struct {
	Interval   time.Duration
	TTL        time.Duration
	Multiplier float64
}

type PayoffConfig struct {
	Interval time.Duration
	Widths   []float64
}

type RegimeConfig struct {
	Interval         time.Duration
	TTL              time.Duration
	WeightsFile      string
	FlipProximityPct float64
	NearBandPct      float64
}

type PublisherConfig struct {
	LatestTTL     time.Duration
	ReplayTTL     time.Duration
	ReplayMaxLen  int64
	GapThreshold  time.Duration
	StatsInterval time.Duration
}

// Load reads path (may be empty) plus environment overrides and decodes the result.
func Load(path string) (*Config, error) {
	m, err := LoadMap(path, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return Decode(m)
}

// Decode converts a flat map into a Config. Malformed values are errors; absent required values
// are only reported by Validate so that read-only commands work without full credentials.
func Decode(m Map) (*Config, error) {
	d := &decoder{m: m}

	consumer := d.str("hydrator.consumer")
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	if consumer == "" {
		consumer = "hydrator-0"
	}

	cfg := &Config{
		Symbols:  d.list("symbols"),
		LogLevel: d.str("log.level"),
		Store: StoreConfig{
			Addr:     d.str("store.addr"),
			Password: d.str("store.password"),
			DB:       d.int("store.db"),
		},
		Provider: ProviderConfig{
			BaseURL: d.str("provider.base_url"),
			APIKey:  d.str("provider.api_key"),
			Timeout: d.duration("provider.timeout"),
			RPS:     d.float("provider.rps"),
			Burst:   d.int("provider.burst"),
		},
		Baseline: BaselineConfig{
			IntervalPriority: d.duration("baseline.interval_priority"),
			IntervalStandard: d.duration("baseline.interval_standard"),
			PrioritySymbols:  d.list("baseline.priority_symbols"),
			Expirations:      d.int("baseline.expirations"),
			HorizonDays:      d.float("baseline.horizon_days"),
			WindowMultiplier: d.float("baseline.window_multiplier"),
			FallbackWindow:   d.int("baseline.fallback_window"),
			InclusiveBounds:  d.bool("baseline.inclusive_bounds"),
			TTL:              d.duration("baseline.ttl"),
			VolProxy:         d.pairs("baseline.vol_proxy"),
			ChannelPrefixes:  d.list("baseline.channel_prefixes"),
		},
		Scheduler: SchedulerConfig{
			MaxInflight:  d.int("scheduler.max_inflight"),
			Poll:         d.duration("scheduler.poll"),
			CycleTimeout: d.duration("scheduler.cycle_timeout"),
		},
		Stream: StreamConfig{
			URL:               d.str("stream.url"),
			SubscribeTemplate: d.str("stream.subscribe_template"),
			BackoffInitial:    d.duration("stream.backoff_initial"),
			BackoffMax:        d.duration("stream.backoff_max"),
			MaxLen:            int64(d.int("stream.maxlen")),
		},
		Hydrator: HydratorConfig{
			Group:               d.str("hydrator.group"),
			Consumer:            consumer,
			Batch:               int64(d.int("hydrator.batch")),
			Block:               d.duration("hydrator.block"),
			MaterializeInterval: d.duration("hydrator.materialize_interval"),
			StaleAfter:          d.duration("hydrator.stale_after"),
			DirtyConsumers:      d.list("hydrator.dirty_consumers"),
			RootAliases:         d.pairs("hydrator.root_aliases"),
		},
		Epoch: EpochConfig{
			DormantThreshold: d.int("epoch.dormant_threshold"),
			TTL:              d.duration("epoch.ttl"),
			Grace:            d.duration("epoch.grace"),
			TimelineTTL:      d.duration("epoch.timeline_ttl"),
		},
		Exposure: ExposureConfig{
			Interval:   d.duration("exposure.interval"),
			TTL:        d.duration("exposure.ttl"),
			Multiplier: d.float("exposure.multiplier"),
		},
		Payoff: PayoffConfig{
			Interval: d.duration("payoff.interval"),
			Widths:   d.floats("payoff.widths"),
		},
		Regime: RegimeConfig{
			Interval:         d.duration("regime.interval"),
			TTL:              d.duration("regime.ttl"),
			WeightsFile:      d.str("regime.weights_file"),
			FlipProximityPct: d.float("regime.flip_proximity_pct"),
			NearBandPct:      d.float("regime.near_band_pct"),
		},
		Publisher: PublisherConfig{
			LatestTTL:     d.duration("publisher.latest_ttl"),
			ReplayTTL:     d.duration("publisher.replay_ttl"),
			ReplayMaxLen:  int64(d.int("publisher.replay_maxlen")),
			GapThreshold:  d.duration("publisher.gap_threshold"),
			StatsInterval: d.duration("publisher.stats_interval"),
		},
		NATSURL:       d.str("nats.url"),
		ArchiveDSN:    d.str("archive.dsn"),
		OpsAddr:       d.str("ops.addr"),
		ShutdownGrace: d.duration("shutdown.grace"),
		raw:           m,
	}

	if len(d.errs) > 0 {
		return nil, errors.Join(d.errs...)
	}
	if cfg.Scheduler.MaxInflight < 1 {
		return nil, fmt.Errorf("scheduler.max_inflight must be >= 1, got %d", cfg.Scheduler.MaxInflight)
	}
	if cfg.Epoch.DormantThreshold < 1 {
		return nil, fmt.Errorf("epoch.dormant_threshold must be >= 1, got %d", cfg.Epoch.DormantThreshold)
	}
	return cfg, nil
}

// Validate checks that every required key for the selected capabilities is present.
// Values guarding correctness or credentials are never defaulted.
func (c *Config) Validate(needProvider, needStream bool) error {
	var missing []string
	if len(c.Symbols) == 0 {
		missing = append(missing, "symbols")
	}
	if c.Store.Addr == "" {
		missing = append(missing, "store.addr")
	}
	if needProvider {
		if c.Provider.BaseURL == "" {
			missing = append(missing, "provider.base_url")
		}
		if c.Provider.APIKey == "" {
			missing = append(missing, "provider.api_key")
		}
	}
	if needStream && c.Stream.URL == "" {
		missing = append(missing, "stream.url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Raw returns the flat map the config was decoded from.
func (c *Config) Raw() Map { return c.raw }

// Redacted returns the flat map with secrets masked, for plan output.
func (c *Config) Redacted() Map {
	out := make(Map, len(c.raw))
	for k, v := range c.raw {
		if v != "" && (strings.Contains(k, "password") || strings.Contains(k, "api_key") || k == "archive.dsn") {
			v = "********"
		}
		out[k] = v
	}
	return out
}

type decoder struct {
	m    Map
	errs []error
}

func (d *decoder) str(key string) string {
	return strings.TrimSpace(d.m[key])
}

func (d *decoder) int(key string) int {
	v := d.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: invalid integer %q", key, v))
	}
	return n
}

func (d *decoder) float(key string) float64 {
	v := d.str(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: invalid number %q", key, v))
	}
	return f
}

func (d *decoder) bool(key string) bool {
	v := d.str(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: invalid bool %q", key, v))
	}
	return b
}

func (d *decoder) duration(key string) time.Duration {
	v := d.str(key)
	if v == "" {
		return 0
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: invalid duration %q", key, v))
	}
	return dur
}

func (d *decoder) list(key string) []string {
	v := d.str(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (d *decoder) floats(key string) []float64 {
	var out []float64
	for _, p := range d.list(key) {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			d.errs = append(d.errs, fmt.Errorf("%s: invalid number %q", key, p))
			continue
		}
		out = append(out, f)
	}
	return out
}

func (d *decoder) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, p := range d.list(key) {
		k, v, ok := strings.Cut(p, ":")
		if !ok {
			d.errs = append(d.errs, fmt.Errorf("%s: expected key:value, got %q", key, p))
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
