package system

import (
	"crypto/rand"
	"math/big"
	"time"
)

// RNG implements clock.RNG using crypto/rand, matching the jitter style the
// rest of the fetch path already uses for backoff.
type RNG struct{}

// NewRNG returns the real random-jitter source.
func NewRNG() *RNG {
	return &RNG{}
}

// Jitter returns a uniform random duration in [0, limit).
func (RNG) Jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// JitterRange returns a uniform random duration in [base*(1+lo), base*(1+hi)).
func (r RNG) JitterRange(base time.Duration, lo, hi float64) time.Duration {
	if hi <= lo {
		return base
	}
	span := time.Duration(float64(base) * (hi - lo))
	offset := time.Duration(float64(base) * lo)
	return base + offset + r.Jitter(span)
}
