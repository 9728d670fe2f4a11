// Package model holds the shared data types: instruments, ticks, baseline snapshots and delta patches.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the two-valued contract side.
type Side string

const (
	Call Side = "call"
	Put  Side = "put"
)

// Sides lists both sides in publication order.
var Sides = []Side{Call, Put}

// InstrumentID is the parsed form of an OCC-style contract identifier.
type InstrumentID struct {
	Raw        string
	Key        string // canonical "O:" form used to join ticks onto baseline rows
	Root       string
	Underlying string
	Expiration string // YYYY-MM-DD
	Side       Side
	Strike     decimal.Decimal
}

// StrikeKey is the canonical string form of the strike ("5850", "5852.5").
func (id InstrumentID) StrikeKey() string {
	return id.Strike.String()
}

// ParseInstrumentID parses identifiers of the form [O:]ROOT YYMMDD C|P SSSSSSSS where the
// strike carries three implied decimals. aliases maps weekly roots (SPXW) onto the underlying (SPX).
func ParseInstrumentID(raw string, aliases map[string]string) (InstrumentID, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "O:")
	s = strings.ReplaceAll(s, " ", "")
	if len(s) < 16 {
		return InstrumentID{}, fmt.Errorf("instrument id %q too short", raw)
	}

	tail := s[len(s)-15:]
	root := s[:len(s)-15]
	if root == "" {
		return InstrumentID{}, fmt.Errorf("instrument id %q has no root", raw)
	}

	exp, err := time.Parse("060102", tail[:6])
	if err != nil {
		return InstrumentID{}, fmt.Errorf("instrument id %q: bad expiration: %w", raw, err)
	}

	var side Side
	switch tail[6] {
	case 'C':
		side = Call
	case 'P':
		side = Put
	default:
		return InstrumentID{}, fmt.Errorf("instrument id %q: bad side %q", raw, tail[6])
	}

	digits := tail[7:]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return InstrumentID{}, fmt.Errorf("instrument id %q: bad strike %q", raw, digits)
		}
	}
	strike, err := decimal.NewFromString(digits)
	if err != nil {
		return InstrumentID{}, fmt.Errorf("instrument id %q: bad strike: %w", raw, err)
	}

	underlying := root
	if alias, ok := aliases[root]; ok {
		underlying = alias
	}

	return InstrumentID{
		Raw:        raw,
		Key:        "O:" + s,
		Root:       root,
		Underlying: underlying,
		Expiration: exp.Format("2006-01-02"),
		Side:       side,
		Strike:     strike.Shift(-3),
	}, nil
}

// FormatInstrumentID renders the OCC form for root/expiration/side/strike, with the "O:" prefix.
func FormatInstrumentID(root, expiration string, side Side, strike float64) (string, error) {
	exp, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return "", fmt.Errorf("bad expiration %q: %w", expiration, err)
	}
	flag := "C"
	if side == Put {
		flag = "P"
	}
	milli := decimal.NewFromFloat(strike).Shift(3).Round(0).IntPart()
	return fmt.Sprintf("O:%s%s%s%08d", root, exp.Format("060102"), flag, milli), nil
}

// CanonicalKey returns the join key for raw, or raw itself when it does not parse.
func CanonicalKey(raw string) string {
	id, err := ParseInstrumentID(raw, nil)
	if err != nil {
		return raw
	}
	return id.Key
}

// StrikeKey canonicalises a float strike the same way InstrumentID.StrikeKey does.
func StrikeKey(strike float64) string {
	return decimal.NewFromFloat(strike).String()
}

// Instrument is one tradable contract with its market fields. Optional fields are pointers so
// that "absent" and "zero" stay distinguishable through JSON round-trips.
type Instrument struct {
	ID           string   `json:"id"`
	Underlying   string   `json:"underlying"`
	Expiration   string   `json:"expiration"`
	Strike       float64  `json:"strike"`
	Side         Side     `json:"side"`
	Bid          *float64 `json:"bid,omitempty"`
	Ask          *float64 `json:"ask,omitempty"`
	Last         *float64 `json:"last,omitempty"`
	Size         *float64 `json:"size,omitempty"`
	Mid          *float64 `json:"mid,omitempty"`
	OpenInterest *float64 `json:"open_interest,omitempty"`
	Delta        *float64 `json:"delta,omitempty"`
	Gamma        *float64 `json:"gamma,omitempty"`
	IV           *float64 `json:"iv,omitempty"`
	UpdatedMs    int64    `json:"updated_ms,omitempty"`
}

// Clone returns a deep copy so callers can mutate pointer fields freely.
func (in Instrument) Clone() Instrument {
	out := in
	out.Bid = clonePtr(in.Bid)
	out.Ask = clonePtr(in.Ask)
	out.Last = clonePtr(in.Last)
	out.Size = clonePtr(in.Size)
	out.Mid = clonePtr(in.Mid)
	out.OpenInterest = clonePtr(in.OpenInterest)
	out.Delta = clonePtr(in.Delta)
	out.Gamma = clonePtr(in.Gamma)
	out.IV = clonePtr(in.IV)
	return out
}

// RecomputeMid sets Mid to (bid+ask)/2 when both quotes are present.
func (in *Instrument) RecomputeMid() {
	if in.Bid == nil || in.Ask == nil {
		return
	}
	mid := (*in.Bid + *in.Ask) / 2
	in.Mid = &mid
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
