// Package backoff implements the gateway's exponential retry delay
// generator, modeled on the reference ExponentialBackoff (see
// original_source/exponentialbackoff.cpp): delay grows as
// (2^seed-1)/2*1000 + rand(100..1000) milliseconds, seed starting at 2.
package backoff

import (
	cryptorand "crypto/rand"
	"math"
	"math/rand"
)

// NoMaxRetry disables the give-up sentinel: Next never exhausts. Next does
// not wrap the seed either; each call keeps growing the delay until Reset
// is called. Used by the FCM reconnect backoff.
const NoMaxRetry = -1

// Backoff is a pure delay generator. Not safe for concurrent use; callers
// run it on the single event loop.
type Backoff struct {
	retry    int
	seed     int
	maxRetry int
	rng      *rand.Rand
}

// New creates a Backoff. maxRetry is the number of retries after which
// Next reports exhaustion via its second return value; pass NoMaxRetry
// for an unlimited generator that never exhausts.
func New(maxRetry int) *Backoff {
	return &Backoff{
		retry:    0,
		seed:     2,
		maxRetry: maxRetry,
		rng:      rand.New(rand.NewSource(randSeed())),
	}
}

// randSeed provides a seed for the PRNG. Split out so it is the single
// place that would need to change to accept an injected source.
func randSeed() int64 {
	var b [8]byte
	_, _ = cryptorand.Read(b[:])
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	if v < 0 {
		v = -v
	}
	return v
}

// Next returns the next delay in milliseconds. ok is false only when
// maxRetry is set and has just been exceeded (give-up signal); the delay
// is then 0 and the generator has already reset itself (retry=0, seed=2)
// so a caller that ignores ok and keeps calling gets a fresh streak.
func (b *Backoff) Next() (delayMs int, ok bool) {
	b.retry++
	if b.maxRetry != NoMaxRetry && b.retry > b.maxRetry {
		b.Reset()
		return 0, false
	}

	randomDelta := 100 + b.rng.Intn(901) // [100, 1000]
	r := int(0.5 * (math.Pow(2, float64(b.seed)) - 1))
	delay := r*1000 + randomDelta
	b.seed++

	return delay, true
}

// Reset restores the generator to its initial streak.
func (b *Backoff) Reset() {
	b.retry = 0
	b.seed = 2
}

// RetryCount returns the number of calls to Next since the last reset or
// exhaustion.
func (b *Backoff) RetryCount() int { return b.retry }
