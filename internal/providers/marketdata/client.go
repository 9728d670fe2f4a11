// Package marketdata is the REST client for the options market-data provider: reference quotes,
// expiration listings and strike-bounded chain pages, behind a per-host rate limiter and a circuit breaker.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/gammaflow/internal/model"
	"github.com/sawpanic/gammaflow/internal/net/ratelimit"
)

// maxChainPages bounds cursor pagination for a single chain request.
const maxChainPages = 50

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Config holds provider client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// ChainQuery selects one expiration of an underlying's chain within strike bounds.
// Inclusive switches the bounds from strike_gt/strike_lt to strike_gte/strike_lte.
type ChainQuery struct {
	Underlying string
	Expiration string
	MinStrike  float64
	MaxStrike  float64
	Inclusive  bool
}

// Client provides provider API access with rate limiting and circuit breaking
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	apiKey     string
	limiter    *ratelimit.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("marketdata: base url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("marketdata: api key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("marketdata: bad base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	logger := log.With().Str("component", "marketdata").Str("host", base.Host).Logger()
	settings := gobreaker.Settings{
		Name:        "marketdata:" + base.Host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			return counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes (bad expiration, unknown symbol) say nothing about provider health.
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500 && se.Code != http.StatusTooManyRequests
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		baseURL: base,
		apiKey:  cfg.APIKey,
		limiter: ratelimit.NewLimiter(cfg.RPS, cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

type quoteResponse struct {
	Symbol string   `json:"symbol"`
	Price  *float64 `json:"price"`
}

// Quote returns the reference price of symbol (an underlying or a volatility index).
func (c *Client) Quote(ctx context.Context, symbol string) (float64, error) {
	var resp quoteResponse
	if err := c.getJSON(ctx, "/v1/quote", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return 0, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if resp.Price == nil {
		return 0, fmt.Errorf("quote %s: response has no price", symbol)
	}
	return *resp.Price, nil
}

type expirationsResponse struct {
	Expirations []string `json:"expirations"`
}

// Expirations lists every listed expiration (YYYY-MM-DD) for underlying, unsorted.
func (c *Client) Expirations(ctx context.Context, underlying string) ([]string, error) {
	var resp expirationsResponse
	if err := c.getJSON(ctx, "/v1/options/expirations", url.Values{"underlying": {underlying}}, &resp); err != nil {
		return nil, fmt.Errorf("expirations %s: %w", underlying, err)
	}
	return resp.Expirations, nil
}

type chainRow struct {
	ID           string   `json:"id"`
	Strike       *float64 `json:"strike"`
	Side         string   `json:"side"`
	Bid          *float64 `json:"bid"`
	Ask          *float64 `json:"ask"`
	Last         *float64 `json:"last"`
	Size         *float64 `json:"size"`
	OpenInterest *float64 `json:"open_interest"`
	Delta        *float64 `json:"delta"`
	Gamma        *float64 `json:"gamma"`
	IV           *float64 `json:"iv"`
}

type chainResponse struct {
	Results    []chainRow `json:"results"`
	NextCursor string     `json:"next_cursor"`
}

// Chain fetches every page of q. Rows without an id, strike or valid side are dropped;
// the count of dropped rows is returned alongside the instruments.
func (c *Client) Chain(ctx context.Context, q ChainQuery) ([]model.Instrument, int, error) {
	params := url.Values{
		"underlying": {q.Underlying},
		"expiration": {q.Expiration},
	}
	lo, hi := "strike_gt", "strike_lt"
	if q.Inclusive {
		lo, hi = "strike_gte", "strike_lte"
	}
	params.Set(lo, strconv.FormatFloat(q.MinStrike, 'f', -1, 64))
	params.Set(hi, strconv.FormatFloat(q.MaxStrike, 'f', -1, 64))

	var (
		out     []model.Instrument
		dropped int
	)
	for page := 0; page < maxChainPages; page++ {
		var resp chainResponse
		if err := c.getJSON(ctx, "/v1/options/chain", params, &resp); err != nil {
			return nil, 0, fmt.Errorf("chain %s %s: %w", q.Underlying, q.Expiration, err)
		}
		for _, row := range resp.Results {
			in, ok := row.instrument(q.Underlying, q.Expiration)
			if !ok {
				dropped++
				continue
			}
			out = append(out, in)
		}
		if resp.NextCursor == "" {
			return out, dropped, nil
		}
		params.Set("cursor", resp.NextCursor)
	}
	c.logger.Warn().
		Str("underlying", q.Underlying).
		Str("expiration", q.Expiration).
		Int("pages", maxChainPages).
		Msg("Chain pagination truncated")
	return out, dropped, nil
}

func (r chainRow) instrument(underlying, expiration string) (model.Instrument, bool) {
	if r.ID == "" || r.Strike == nil {
		return model.Instrument{}, false
	}
	side := model.Side(strings.ToLower(r.Side))
	if side != model.Call && side != model.Put {
		return model.Instrument{}, false
	}
	in := model.Instrument{
		ID:           r.ID,
		Underlying:   underlying,
		Expiration:   expiration,
		Strike:       *r.Strike,
		Side:         side,
		Bid:          r.Bid,
		Ask:          r.Ask,
		Last:         r.Last,
		Size:         r.Size,
		OpenInterest: r.OpenInterest,
		Delta:        r.Delta,
		Gamma:        r.Gamma,
		IV:           r.IV,
	}
	in.RecomputeMid()
	return in, true
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Limits reports the rate limiter state of every host this client has called.
func (c *Client) Limits() map[string]ratelimit.Stats {
	return c.limiter.Stats()
}

// Check fails while the circuit breaker is open.
func (c *Client) Check(context.Context) error {
	if st := c.breaker.State(); st == gobreaker.StateOpen {
		return fmt.Errorf("provider circuit breaker %s", st)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx, c.baseURL.Host); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, params, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug().
		Str("path", path).
		Dur("latency", time.Since(start)).
		Msg("Provider request completed")
	return nil
}
