// Package orchestrator starts long-running services in dependency order, restarts them on
// failure and stops them in reverse order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/sawpanic/gammaflow/internal/metrics"
)

var (
	ErrCycle             = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateService  = errors.New("duplicate service")
	ErrStragglers        = errors.New("services did not stop within grace period")
)

// Task is a long-running unit of work. It returns when stop is closed or ctx is cancelled.
type Task func(ctx context.Context, stop <-chan struct{}) error

// Service is a named task with the services it must start after.
type Service struct {
	Name        string
	Description string
	DependsOn   []string
	Run         Task
}

// Config tunes restart backoff and shutdown.
type Config struct {
	Grace          time.Duration
	RestartInitial time.Duration
	RestartMax     time.Duration
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{Grace: 10 * time.Second, RestartInitial: time.Second, RestartMax: 30 * time.Second}
}

// Plan orders services so every service follows its dependencies. Ties keep declaration order.
func Plan(services []Service) ([]string, error) {
	index := make(map[string]int, len(services))
	for i, svc := range services {
		if _, dup := index[svc.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateService, svc.Name)
		}
		index[svc.Name] = i
	}

	indegree := make([]int, len(services))
	dependents := make([][]int, len(services))
	for i, svc := range services {
		for _, dep := range svc.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, svc.Name, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	order := make([]string, 0, len(services))
	done := make([]bool, len(services))
	for len(order) < len(services) {
		progressed := false
		for i := range services {
			if done[i] || indegree[i] > 0 {
				continue
			}
			done[i] = true
			progressed = true
			order = append(order, services[i].Name)
			for _, d := range dependents[i] {
				indegree[d]--
			}
			break
		}
		if !progressed {
			var stuck []string
			for i, svc := range services {
				if !done[i] {
					stuck = append(stuck, svc.Name)
				}
			}
			return nil, fmt.Errorf("%w among %s", ErrCycle, strings.Join(stuck, ", "))
		}
	}
	return order, nil
}

type running struct {
	svc    Service
	stop   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor runs a fixed set of services.
type Supervisor struct {
	cfg      Config
	services map[string]Service
	order    []string
	metrics  *metrics.Registry
	logger   zerolog.Logger

	mu       sync.Mutex
	restarts map[string]int
	state    map[string]string
}

// New validates the service graph and returns a supervisor.
func New(services []Service, cfg Config, reg *metrics.Registry) (*Supervisor, error) {
	order, err := Plan(services)
	if err != nil {
		return nil, err
	}
	if cfg.RestartInitial <= 0 {
		cfg.RestartInitial = time.Second
	}
	if cfg.RestartMax < cfg.RestartInitial {
		cfg.RestartMax = cfg.RestartInitial
	}

	s := &Supervisor{
		cfg:      cfg,
		services: make(map[string]Service, len(services)),
		order:    order,
		metrics:  reg,
		logger:   log.With().Str("component", "supervisor").Logger(),
		restarts: make(map[string]int),
		state:    make(map[string]string),
	}
	for _, svc := range services {
		s.services[svc.Name] = svc
		s.state[svc.Name] = "pending"
	}
	return s, nil
}

// Order returns the start order.
func (s *Supervisor) Order() []string {
	return append([]string(nil), s.order...)
}

// Restarts returns how often each service was restarted.
func (s *Supervisor) Restarts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.restarts))
	for k, v := range s.restarts {
		out[k] = v
	}
	return out
}

// States returns the lifecycle state of each service.
func (s *Supervisor) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

func (s *Supervisor) setState(name, state string) {
	s.mu.Lock()
	s.state[name] = state
	s.mu.Unlock()
}

// Run starts every service and blocks until ctx is cancelled, then shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	runs := make([]*running, 0, len(s.order))
	for _, name := range s.order {
		svc := s.services[name]
		tctx, cancel := context.WithCancel(context.Background())
		r := &running{svc: svc, stop: make(chan struct{}), cancel: cancel, done: make(chan struct{})}
		runs = append(runs, r)

		s.setState(name, "running")
		go func() {
			defer close(r.done)
			s.supervise(tctx, r)
		}()
		s.logger.Info().Str("service", name).Strs("depends_on", svc.DependsOn).Msg("Service started")
	}

	<-ctx.Done()
	return s.shutdown(runs)
}

func (s *Supervisor) shutdown(runs []*running) error {
	s.logger.Info().Dur("grace", s.cfg.Grace).Msg("Shutting down services")
	deadline := time.NewTimer(s.cfg.Grace)
	defer deadline.Stop()

	expired := false
	var stragglers []string
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		close(r.stop)
		if expired {
			select {
			case <-r.done:
				s.setState(r.svc.Name, "stopped")
			default:
				stragglers = append(stragglers, r.svc.Name)
			}
			continue
		}
		select {
		case <-r.done:
			s.setState(r.svc.Name, "stopped")
			s.logger.Info().Str("service", r.svc.Name).Msg("Service stopped")
		case <-deadline.C:
			expired = true
			stragglers = append(stragglers, r.svc.Name)
		}
	}

	for _, r := range runs {
		r.cancel()
	}
	if len(stragglers) == 0 {
		return nil
	}
	for _, name := range stragglers {
		s.setState(name, "abandoned")
	}
	s.logger.Error().Strs("services", stragglers).Msg("Services still running after grace period")
	return fmt.Errorf("%w: %s", ErrStragglers, strings.Join(stragglers, ", "))
}

// supervise runs the task until stop is closed, restarting it with exponential backoff.
func (s *Supervisor) supervise(ctx context.Context, r *running) {
	backoff := s.cfg.RestartInitial
	for {
		started := time.Now()
		var err error
		if rec := panics.Try(func() { err = r.svc.Run(ctx, r.stop) }); rec != nil {
			err = rec.AsError()
		}

		select {
		case <-r.stop:
			if err != nil {
				s.logger.Warn().Err(err).Str("service", r.svc.Name).Msg("Service exited with error during shutdown")
			}
			return
		default:
		}

		if time.Since(started) > s.cfg.RestartMax {
			backoff = s.cfg.RestartInitial
		}
		ev := s.logger.Error().Str("service", r.svc.Name).Dur("backoff", backoff)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("Service exited, restarting")

		s.mu.Lock()
		s.restarts[r.svc.Name]++
		s.state[r.svc.Name] = "restarting"
		s.mu.Unlock()
		s.metrics.TaskRestarts.WithLabelValues(r.svc.Name).Inc()

		select {
		case <-r.stop:
			return
		case <-time.After(backoff):
		}
		s.setState(r.svc.Name, "running")

		backoff *= 2
		if backoff > s.cfg.RestartMax {
			backoff = s.cfg.RestartMax
		}
	}
}
