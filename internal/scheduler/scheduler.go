// Package scheduler runs baseline refresh cycles on two lanes with bounded concurrency.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/sawpanic/gammaflow/internal/metrics"
)

// Lane is a scheduling lane with its own interval.
type Lane string

const (
	Priority Lane = "priority"
	Standard Lane = "standard"
)

// Job is one symbol scheduled on a lane.
type Job struct {
	Symbol string `json:"symbol"`
	Lane   Lane   `json:"lane"`
}

// CycleFunc runs one refresh cycle of symbol.
type CycleFunc func(ctx context.Context, symbol string) error

// Config tunes lane intervals and backpressure.
type Config struct {
	PriorityInterval time.Duration
	StandardInterval time.Duration
	MaxInflight      int
	Poll             time.Duration
	CycleTimeout     time.Duration
}

// JobResult is the outcome of the last cycle of a job.
type JobResult struct {
	Symbol    string        `json:"symbol"`
	Lane      Lane          `json:"lane"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running      bool                 `json:"running"`
	Inflight     []string             `json:"inflight"`
	Queued       []Job                `json:"queued"`
	MaxInflight  int                  `json:"max_inflight"`
	PeakInflight int                  `json:"peak_inflight"`
	Launched     int64                `json:"launched"`
	LastResults  map[string]JobResult `json:"last_results"`
	Uptime       time.Duration        `json:"uptime"`
}

// Scheduler queues due jobs, priority lane first, and never runs more than MaxInflight at once.
type Scheduler struct {
	cfg     Config
	jobs    []Job
	run     CycleFunc
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	nextDue   map[string]time.Time
	queues    map[Lane][]Job
	queued    map[string]bool
	inflight  map[string]bool
	peak      int
	launched  int64
	results   map[string]JobResult
	startTime time.Time
	running   bool
	cycles    conc.WaitGroup
}

// New returns a scheduler. A symbol listed on both lanes runs on the priority lane only.
func New(cfg Config, priority, standard []string, run CycleFunc, reg *metrics.Registry) (*Scheduler, error) {
	if cfg.MaxInflight < 1 {
		return nil, fmt.Errorf("max inflight must be at least 1, got %d", cfg.MaxInflight)
	}
	if cfg.PriorityInterval <= 0 || cfg.StandardInterval <= 0 {
		return nil, fmt.Errorf("lane intervals must be positive")
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 250 * time.Millisecond
	}

	s := &Scheduler{
		cfg:      cfg,
		run:      run,
		metrics:  reg,
		logger:   log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		nextDue:  make(map[string]time.Time),
		queues:   map[Lane][]Job{Priority: nil, Standard: nil},
		queued:   make(map[string]bool),
		inflight: make(map[string]bool),
		results:  make(map[string]JobResult),
	}
	seen := make(map[string]bool)
	for _, sym := range priority {
		if !seen[sym] {
			seen[sym] = true
			s.jobs = append(s.jobs, Job{Symbol: sym, Lane: Priority})
		}
	}
	for _, sym := range standard {
		if !seen[sym] {
			seen[sym] = true
			s.jobs = append(s.jobs, Job{Symbol: sym, Lane: Standard})
		}
	}
	return s, nil
}

// Jobs lists the scheduled jobs in lane order.
func (s *Scheduler) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

// Run polls until stop is closed, then waits for in-flight cycles to finish.
func (s *Scheduler) Run(ctx context.Context, stop <-chan struct{}) error {
	s.mu.Lock()
	s.running = true
	s.startTime = s.now()
	s.mu.Unlock()

	s.logger.Info().
		Int("jobs", len(s.jobs)).
		Int("max_inflight", s.cfg.MaxInflight).
		Dur("priority_interval", s.cfg.PriorityInterval).
		Dur("standard_interval", s.cfg.StandardInterval).
		Msg("Scheduler started")

	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-stop:
		case <-ctx.Done():
		case <-ticker.C:
			continue
		}
		break
	}

	s.cycles.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// Tick enqueues due jobs and launches queued ones up to the in-flight bound.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, job := range s.jobs {
		if s.queued[job.Symbol] || s.inflight[job.Symbol] {
			continue
		}
		if due, ok := s.nextDue[job.Symbol]; ok && now.Before(due) {
			continue
		}
		s.queues[job.Lane] = append(s.queues[job.Lane], job)
		s.queued[job.Symbol] = true
	}

	for len(s.inflight) < s.cfg.MaxInflight {
		job, ok := s.popLocked()
		if !ok {
			break
		}
		s.launchLocked(ctx, job, now)
	}
	s.metrics.SchedulerInflight.Set(float64(len(s.inflight)))
	s.metrics.SchedulerQueued.Set(float64(len(s.queues[Priority]) + len(s.queues[Standard])))
}

func (s *Scheduler) popLocked() (Job, bool) {
	for _, lane := range []Lane{Priority, Standard} {
		if q := s.queues[lane]; len(q) > 0 {
			s.queues[lane] = q[1:]
			delete(s.queued, q[0].Symbol)
			return q[0], true
		}
	}
	return Job{}, false
}

func (s *Scheduler) launchLocked(ctx context.Context, job Job, now time.Time) {
	s.inflight[job.Symbol] = true
	if n := len(s.inflight); n > s.peak {
		s.peak = n
	}
	s.launched++
	interval := s.cfg.StandardInterval
	if job.Lane == Priority {
		interval = s.cfg.PriorityInterval
	}
	s.nextDue[job.Symbol] = now.Add(interval)

	s.cycles.Go(func() {
		start := s.now()
		cctx := ctx
		if s.cfg.CycleTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
			defer cancel()
		}

		var err error
		if r := panics.Try(func() { err = s.run(cctx, job.Symbol) }); r != nil {
			err = r.AsError()
		}
		d := s.now().Sub(start)

		res := JobResult{Symbol: job.Symbol, Lane: job.Lane, StartTime: start, Duration: d, Success: err == nil}
		if err != nil {
			res.Error = err.Error()
			s.logger.Error().Err(err).Str("symbol", job.Symbol).Str("lane", string(job.Lane)).Dur("duration", d).Msg("Refresh cycle failed")
		} else {
			s.logger.Debug().Str("symbol", job.Symbol).Str("lane", string(job.Lane)).Dur("duration", d).Msg("Refresh cycle completed")
		}

		s.mu.Lock()
		delete(s.inflight, job.Symbol)
		s.results[job.Symbol] = res
		s.metrics.SchedulerInflight.Set(float64(len(s.inflight)))
		s.mu.Unlock()
	})
}

// GetStatus returns the current scheduler status.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:      s.running,
		MaxInflight:  s.cfg.MaxInflight,
		PeakInflight: s.peak,
		Launched:     s.launched,
		LastResults:  make(map[string]JobResult, len(s.results)),
	}
	for sym := range s.inflight {
		st.Inflight = append(st.Inflight, sym)
	}
	sort.Strings(st.Inflight)
	st.Queued = append(append(st.Queued, s.queues[Priority]...), s.queues[Standard]...)
	for sym, r := range s.results {
		st.LastResults[sym] = r
	}
	if s.running {
		st.Uptime = s.now().Sub(s.startTime)
	}
	return st
}
