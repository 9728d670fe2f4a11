package baseline

import (
	"math"
	"sort"
	"time"
)

// StrikeWindow returns the half-width of the strike window around price:
// round(multiplier * price * vol/100 * sqrt(horizonDays/252)). A non-positive vol or
// result falls back to the fixed window.
func StrikeWindow(price, vol, horizonDays, multiplier float64, fallback int) (window int, usedFallback bool) {
	if vol <= 0 || price <= 0 || horizonDays <= 0 || multiplier <= 0 {
		return fallback, true
	}
	expectedMove := price * (vol / 100) * math.Sqrt(horizonDays/252)
	w := int(math.Round(multiplier * expectedMove))
	if w <= 0 {
		return fallback, true
	}
	return w, false
}

// Bounds returns [round(price)-window, round(price)+window].
func Bounds(price float64, window int) (lo, hi float64) {
	center := math.Round(price)
	return center - float64(window), center + float64(window)
}

// InWindow applies strict (lo < s < hi) or inclusive (lo <= s <= hi) semantics.
func InWindow(strike, lo, hi float64, inclusive bool) bool {
	if inclusive {
		return strike >= lo && strike <= hi
	}
	return strike > lo && strike < hi
}

// NextExpirations returns the first n expirations on or after today's date, ascending.
// Malformed dates are ignored.
func NextExpirations(all []string, today time.Time, n int) []string {
	day := today.Format("2006-01-02")
	seen := make(map[string]struct{}, len(all))
	var upcoming []string
	for _, e := range all {
		if _, err := time.Parse("2006-01-02", e); err != nil {
			continue
		}
		if e < day {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		upcoming = append(upcoming, e)
	}
	sort.Strings(upcoming)
	if n > 0 && len(upcoming) > n {
		upcoming = upcoming[:n]
	}
	return upcoming
}
