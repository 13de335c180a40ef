// Package backoff computes retry delays: capped exponential growth with
// optional jitter, and fixed schedules for durable retry pipelines.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// minJitteredDelay keeps jittered delays from collapsing to a busy loop.
const minJitteredDelay = 100 * time.Millisecond

// Exponential grows Base by Factor for every attempt after the first and
// caps the result at Max. A zero Factor means 2.
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the un-jittered delay for the n-th consecutive failure
// (n starts at 1). n <= 0 yields zero.
func (e Exponential) Delay(n int) time.Duration {
	if n <= 0 || e.Base <= 0 {
		return 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}

	d := float64(e.Base) * math.Pow(factor, float64(n-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	return time.Duration(d)
}

// Jittered returns Delay(n) spread uniformly over [Delay/2, Delay] so that
// many retries scheduled at once do not land on the same instant.
func (e Exponential) Jittered(n int) time.Duration {
	d := e.Delay(n)
	if d <= 0 {
		return 0
	}
	half := float64(d) / 2
	jittered := time.Duration(half + rand.Float64()*half)
	if jittered < minJitteredDelay {
		jittered = minJitteredDelay
	}
	return jittered
}

// Schedule is a fixed list of delays. Attempts past the end reuse the last
// entry.
type Schedule []time.Duration

// At returns the delay to wait after the n-th failed attempt (n starts at 1).
func (s Schedule) At(n int) time.Duration {
	if len(s) == 0 || n <= 0 {
		return 0
	}
	if n > len(s) {
		return s[len(s)-1]
	}
	return s[n-1]
}
