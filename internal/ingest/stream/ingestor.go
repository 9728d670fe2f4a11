// Package stream keeps one push-feed connection per symbol and appends every inbound frame,
// unparsed, to the symbol's raw log. It reconnects with exponential backoff and resubscribes
// whenever the baseline ingestor publishes a new channel set.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gammaflow/internal/metrics"
	"github.com/sawpanic/gammaflow/internal/store"
)

var errResubscribe = errors.New("channel set changed")

// Config tunes the feed connection.
type Config struct {
	URL               string
	SubscribeTemplate string
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxLen            int64
	VersionPoll       time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	Header            http.Header
}

// Ingestor forwards feed frames into the raw log.
type Ingestor struct {
	store   store.Store
	cfg     Config
	metrics *metrics.Registry
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a stream ingestor.
func New(st store.Store, cfg Config, reg *metrics.Registry) *Ingestor {
	if cfg.VersionPoll <= 0 {
		cfg.VersionPoll = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second
	return &Ingestor{
		store:   st,
		cfg:     cfg,
		metrics: reg,
		dialer:  &dialer,
		logger:  log.With().Str("component", "stream").Logger(),
		now:     time.Now,
	}
}

// Run keeps the feed for symbol connected until stop is closed or ctx is cancelled.
// Connection failures never end the task.
func (i *Ingestor) Run(ctx context.Context, stop <-chan struct{}, symbol string) error {
	logger := i.logger.With().Str("symbol", symbol).Logger()
	backoff := &Backoff{Initial: i.cfg.BackoffInitial, Max: i.cfg.BackoffMax}

	for {
		if stopped(ctx, stop) {
			return nil
		}

		delivered, err := i.session(ctx, stop, symbol, logger)
		if stopped(ctx, stop) {
			return nil
		}
		if delivered {
			backoff.Reset()
		}
		if errors.Is(err, errResubscribe) {
			logger.Info().Msg("Channel set changed, resubscribing")
			continue
		}

		wait := backoff.Next()
		i.metrics.StreamReconnects.WithLabelValues(symbol).Inc()
		logger.Warn().Err(err).Dur("backoff", wait).Msg("Feed connection lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// session runs one connection. It reports whether at least one frame was delivered.
func (i *Ingestor) session(ctx context.Context, stop <-chan struct{}, symbol string, logger zerolog.Logger) (bool, error) {
	channels, version, err := i.channels(ctx, symbol)
	if err != nil {
		return false, err
	}

	conn, _, err := i.dialer.DialContext(ctx, i.cfg.URL, i.cfg.Header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	var (
		closeOnce sync.Once
		reasonMu  sync.Mutex
		reason    error
	)
	closeWith := func(why error) {
		closeOnce.Do(func() {
			reasonMu.Lock()
			reason = why
			reasonMu.Unlock()
			_ = conn.Close()
		})
	}
	defer closeWith(nil)

	msg := RenderSubscription(i.cfg.SubscribeTemplate, symbol, channels)
	_ = conn.SetWriteDeadline(i.now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	if len(channels) == 0 {
		logger.Warn().Msg("Subscribed with an empty channel set")
	}
	logger.Info().Int("channels", len(channels)).Str("version", version).Msg("Feed connected")

	_ = conn.SetReadDeadline(i.now().Add(i.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(i.now().Add(i.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go i.watch(ctx, stop, done, symbol, version, conn, closeWith, logger)

	delivered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reasonMu.Lock()
			why := reason
			reasonMu.Unlock()
			if why != nil {
				return delivered, why
			}
			return delivered, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(i.now().Add(i.cfg.ReadTimeout))

		recvMs := i.now().UnixMilli()
		if _, err := i.store.XAdd(ctx, store.RawStream(symbol), i.cfg.MaxLen, map[string]string{
			"d":  string(data),
			"rt": strconv.FormatInt(recvMs, 10),
		}); err != nil {
			return delivered, fmt.Errorf("append raw frame: %w", err)
		}
		delivered = true
		i.metrics.StreamMessages.WithLabelValues(symbol).Inc()
	}
}

// watch pings the peer, closes the socket on shutdown, and closes it with errResubscribe
// when the channel-set version moves.
func (i *Ingestor) watch(ctx context.Context, stop <-chan struct{}, done <-chan struct{}, symbol, version string,
	conn *websocket.Conn, closeWith func(error), logger zerolog.Logger) {
	poll := time.NewTicker(i.cfg.VersionPoll)
	defer poll.Stop()
	ping := time.NewTicker(i.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-stop:
			closeWith(context.Canceled)
			return
		case <-ctx.Done():
			closeWith(ctx.Err())
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, i.now().Add(5*time.Second)); err != nil {
				logger.Debug().Err(err).Msg("Ping failed")
			}
		case <-poll.C:
			current, err := i.store.Get(ctx, store.ChannelsVersion(symbol))
			if errors.Is(err, store.ErrNotFound) {
				current = ""
			} else if err != nil {
				logger.Warn().Err(err).Msg("Failed to read channel version")
				continue
			}
			if current != version {
				closeWith(errResubscribe)
				return
			}
		}
	}
}

func (i *Ingestor) channels(ctx context.Context, symbol string) ([]string, string, error) {
	channels, err := i.store.SMembers(ctx, store.Channels(symbol))
	if err != nil {
		return nil, "", fmt.Errorf("read channels: %w", err)
	}
	sort.Strings(channels)
	version, err := i.store.Get(ctx, store.ChannelsVersion(symbol))
	if errors.Is(err, store.ErrNotFound) {
		return channels, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read channel version: %w", err)
	}
	return channels, version, nil
}

// RenderSubscription fills {{symbol}} and {{channels}} (comma-joined) in template.
func RenderSubscription(template, symbol string, channels []string) string {
	return strings.NewReplacer(
		"{{symbol}}", symbol,
		"{{channels}}", strings.Join(channels, ","),
	).Replace(template)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
