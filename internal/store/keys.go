package store

import "fmt"

// Key layout. Every component builds keys through these helpers so the layout stays in one place.

const (
	EpochsDirty   = "epochs:dirty"
	EpochsClean   = "epochs:clean"
	EpochsRetired = "epochs:retired"
	EpochSymbols  = "epochs:symbols"
	RuntimeConfig = "config:runtime"
	OpsMetrics    = "ops:metrics"
)

func EpochActive(symbol string) string    { return "epoch:active:" + symbol }
func EpochMeta(epochID string) string     { return "epoch:meta:" + epochID }
func EpochActivity(epochID string) string { return "epoch:activity:" + epochID }
func EpochTimeline(symbol string) string  { return "epoch:timeline:" + symbol }

func BaselineSnapshot(symbol, expiration string, fetchedMs int64) string {
	return fmt.Sprintf("baseline:%s:%s:%d", symbol, expiration, fetchedMs)
}

func BaselineLatest(symbol, expiration string) string {
	return fmt.Sprintf("baseline:%s:%s:latest", symbol, expiration)
}

// BaselineIndex maps expiration -> snapshot key for the most recent cycle.
func BaselineIndex(symbol string) string { return "baseline:" + symbol + ":index" }

func Channels(symbol string) string        { return "stream:channels:" + symbol }
func ChannelsVersion(symbol string) string { return "stream:channels:" + symbol + ":version" }
func RawStream(symbol string) string       { return "stream:raw:" + symbol }

func Dirty(consumer, symbol string) string { return fmt.Sprintf("dirty:%s:%s", consumer, symbol) }
func Surface(symbol string) string         { return "surface:" + symbol }

func ExposureModel(symbol, side string) string {
	return fmt.Sprintf("model:exposure:%s:%s", symbol, side)
}
func RegimeModel(symbol string) string { return "model:regime:" + symbol }

func ModelLatest(model, symbol string) string {
	return fmt.Sprintf("model:%s:%s:latest", model, symbol)
}
func ModelReplay(model, symbol string) string {
	return fmt.Sprintf("model:%s:%s:replay", model, symbol)
}
func ModelChannel(model, symbol string) string {
	return fmt.Sprintf("model:%s:%s:deltas", model, symbol)
}

func PublisherStats(model string) string { return "ops:publisher:" + model }
func BuilderStats(name string) string    { return "ops:builder:" + name }

// Flow accumulates per-strike tick-activity counters drained from the hydrator.
func Flow(symbol string) string { return "flow:" + symbol }
