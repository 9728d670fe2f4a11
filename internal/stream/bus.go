// Package stream fans published deltas out to live subscribers over the coordination store's
// pub/sub, optionally mirrored to NATS.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gammaflow/internal/store"
)

// SubjectPrefix roots every NATS subject.
const SubjectPrefix = "gammaflow"

// Subject is the NATS subject for model and symbol.
func Subject(model, symbol string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, model, symbol)
}

// Mirror is the publish side of a NATS connection.
type Mirror interface {
	Publish(subject string, data []byte) error
}

// HealthStatus reports the mirror's state.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status"`
	Sent      int64     `json:"sent"`
	Errors    int64     `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Broadcaster publishes envelopes on the store channel of each model/symbol and mirrors them.
type Broadcaster struct {
	store  store.Store
	mirror Mirror
	logger zerolog.Logger

	mu                 sync.Mutex
	sent, mirrorErrors int64
	lastErr            string
}

// NewBroadcaster returns a broadcaster. mirror may be nil.
func NewBroadcaster(st store.Store, mirror Mirror) *Broadcaster {
	return &Broadcaster{
		store:  st,
		mirror: mirror,
		logger: log.With().Str("component", "broadcaster").Logger(),
	}
}

// Broadcast publishes env on the store channel. A mirror failure is logged, never returned.
func (b *Broadcaster) Broadcast(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.store.Publish(ctx, store.ModelChannel(env.Model, env.Symbol), data); err != nil {
		return fmt.Errorf("publish %s/%s: %w", env.Model, env.Symbol, err)
	}
	b.mu.Lock()
	b.sent++
	b.mu.Unlock()

	if b.mirror != nil {
		if err := b.mirror.Publish(Subject(env.Model, env.Symbol), data); err != nil {
			b.mu.Lock()
			b.mirrorErrors++
			b.lastErr = err.Error()
			b.mu.Unlock()
			b.logger.Warn().Err(err).Str("model", env.Model).Str("symbol", env.Symbol).Msg("NATS mirror publish failed")
		}
	}
	return nil
}

// Subscribe returns a live subscription to the deltas of model and symbol.
func (b *Broadcaster) Subscribe(ctx context.Context, model, symbol string) (store.Subscription, error) {
	return b.store.Subscribe(ctx, store.ModelChannel(model, symbol))
}

// Health summarises delivery counters.
func (b *Broadcaster) Health() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := HealthStatus{
		Healthy:   true,
		Status:    "ok",
		Sent:      b.sent,
		Errors:    b.mirrorErrors,
		LastError: b.lastErr,
		LastCheck: time.Now(),
	}
	if b.mirror == nil {
		h.Status = "mirror disabled"
	} else if b.lastErr != "" {
		h.Status = "mirror degraded"
	}
	return h
}

// ConnectNATS dials url with unbounded reconnects.
func ConnectNATS(url string) (*nats.Conn, error) {
	logger := log.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("gammaflow-publisher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS %s: %w", url, err)
	}
	return nc, nil
}
