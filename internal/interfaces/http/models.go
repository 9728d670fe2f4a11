package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sawpanic/gammaflow/internal/builder"
	"github.com/sawpanic/gammaflow/internal/hydrator"
	"github.com/sawpanic/gammaflow/internal/net/ratelimit"
	"github.com/sawpanic/gammaflow/internal/payoff"
	"github.com/sawpanic/gammaflow/internal/publisher"
	"github.com/sawpanic/gammaflow/internal/scheduler"
	"github.com/sawpanic/gammaflow/internal/store"
)

// ModelResponse is the full current state of one model and symbol.
type ModelResponse struct {
	Model   string      `json:"model"`
	Symbol  string      `json:"symbol"`
	Version int64       `json:"version,omitempty"`
	Updated int64       `json:"updated_ms,omitempty"`
	Tiles   int         `json:"tiles,omitempty"`
	State   interface{} `json:"state"`
}

func (s *Server) epochs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Epochs == nil {
		writeError(w, http.StatusServiceUnavailable, "epoch manager not configured")
		return
	}
	state, err := s.deps.Epochs.DebugState(r.Context(), strings.ToUpper(mux.Vars(r)["symbol"]))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) models(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, symbol := vars["model"], strings.ToUpper(vars["symbol"])
	resp := ModelResponse{Model: name, Symbol: symbol}

	var err error
	switch name {
	case "exposure":
		var call, put interface{}
		call, put, err = builder.LoadExposure(r.Context(), s.deps.Store, symbol)
		resp.State = map[string]interface{}{"call": call, "put": put}
	case "regime":
		var raw string
		if raw, err = s.deps.Store.Get(r.Context(), store.RegimeModel(symbol)); err == nil {
			resp.State = rawJSON(raw)
		}
	default:
		var st publisher.State
		if st, err = publisher.Latest(r.Context(), s.deps.Store, name, symbol); err == nil {
			tiles := st.Tiles
			if name == "payoff" {
				if tiles, err = filterTiles(tiles, r.URL.Query()); err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
			}
			resp.Version, resp.Updated, resp.Tiles = st.Version, st.UpdatedMs, len(tiles)
			resp.State = tiles
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no "+name+" model for "+symbol)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// filterTiles keeps the payoff tiles matching the expiration, side and width query params.
func filterTiles(tiles map[string]json.RawMessage, q url.Values) (map[string]json.RawMessage, error) {
	exp, side, widthParam := q.Get("expiration"), q.Get("side"), q.Get("width")
	if exp == "" && side == "" && widthParam == "" {
		return tiles, nil
	}
	var width float64
	if widthParam != "" {
		var err error
		if width, err = strconv.ParseFloat(widthParam, 64); err != nil {
			return nil, errors.New("width: " + err.Error())
		}
	}
	out := make(map[string]json.RawMessage)
	for key, tile := range tiles {
		e, sd, w, _, err := payoff.ParseTileKey(key)
		if err != nil {
			continue
		}
		if (exp != "" && e != exp) || (side != "" && string(sd) != side) || (widthParam != "" && w != width) {
			continue
		}
		out[key] = tile
	}
	return out, nil
}

func (s *Server) flow(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	totals, err := hydrator.FlowTotals(r.Context(), s.deps.Store, symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(totals) == 0 {
		writeError(w, http.StatusNotFound, "no flow for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "strikes": totals})
}

// SchedulerResponse is the baseline scheduler state plus the provider it drives.
type SchedulerResponse struct {
	Scheduler scheduler.Status           `json:"scheduler"`
	Breaker   string                     `json:"breaker,omitempty"`
	Limits    map[string]ratelimit.Stats `json:"limits,omitempty"`
}

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "baseline scheduler not running in this process")
		return
	}
	resp := SchedulerResponse{Scheduler: s.deps.Scheduler.GetStatus()}
	if s.deps.Provider != nil {
		resp.Breaker = s.deps.Provider.BreakerState()
		resp.Limits = s.deps.Provider.Limits()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is a flattened ops stats hash.
type StatsResponse struct {
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields"`
}

func (s *Server) opsStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := store.PublisherStats(vars["name"])
	if vars["kind"] == "builder" {
		key = store.BuilderStats(vars["name"])
	}
	fields, err := s.deps.Store.HGetAll(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(fields) == 0 {
		writeError(w, http.StatusNotFound, "no stats at "+key)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Key: key, Fields: fields})
}

type rawJSON string

func (r rawJSON) MarshalJSON() ([]byte, error) { return []byte(r), nil }
