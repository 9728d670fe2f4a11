package stream

import "time"

// Backoff doubles the reconnect delay from Initial up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	attempt int
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	max := b.Max
	if max < initial {
		max = initial
	}

	wait := initial
	for i := 0; i < b.attempt; i++ {
		wait *= 2
		if wait >= max {
			wait = max
			break
		}
	}
	b.attempt++
	return wait
}

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() {
	b.attempt = 0
}
