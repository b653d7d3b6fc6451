// Package ratelimit implements the prober's batched send-pacing: a hybrid
// sleep/spin limiter that targets a packets/sec rate without the jitter a
// pure OS-sleep-per-packet scheme would introduce at high rates.
package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/probelab/caratrace/internal/config"
)

// Method selects how Wait spends its residual interval.
type Method int

const (
	// Sleep blocks via an OS sleep for the whole residual interval.
	Sleep Method = iota
	// Active spins on a monotonic clock read until the deadline.
	Active
	// Auto sleeps until within the measured clock-resolution margin of the
	// deadline, then spins for the remainder.
	Auto
)

// MethodFromConfig maps a config.RateLimitMethod to a Method.
func MethodFromConfig(m config.RateLimitMethod) Method {
	switch m {
	case config.RateLimitSleep:
		return Sleep
	case config.RateLimitActive:
		return Active
	default:
		return Auto
	}
}

// Statistics reports the limiter's effective pacing since construction.
type Statistics struct {
	AverageRate float64
	TotalWaited time.Duration
}

// Limiter paces a stream of batch_size-sized groups of sends to a target
// packets/sec rate. Wait is called once per batch; it is not meant to be
// called concurrently from more than one goroutine, matching the prober's
// single-sender-thread assumption.
type Limiter struct {
	targetPPS float64
	batchSize uint64
	method    Method

	resolution time.Duration

	lastWait    time.Time
	totalWaited time.Duration
	totalSent   atomic.Uint64
	start       time.Time
}

// New builds a Limiter targeting targetPPS packets/sec, paced in groups of
// batchSize sends, using method for the inter-batch wait. Auto's margin is
// measured once here by timing back-to-back minimal sleeps; callers can read
// it back through Resolution to report whether the target is achievable.
func New(targetPPS float64, batchSize uint64, method Method) *Limiter {
	now := time.Now()
	l := &Limiter{
		targetPPS:  targetPPS,
		batchSize:  batchSize,
		method:     method,
		resolution: measureResolution(),
		lastWait:   now,
		start:      now,
	}
	return l
}

// measureResolution times a handful of minimal sleeps and returns the
// largest observed overshoot, the margin Auto mode needs to know it can
// safely sleep to within of a deadline before switching to spinning.
func measureResolution() time.Duration {
	var max time.Duration
	for i := 0; i < 5; i++ {
		start := time.Now()
		time.Sleep(time.Millisecond)
		if d := time.Since(start) - time.Millisecond; d > max {
			max = d
		}
	}
	if max < 0 {
		max = 0
	}
	return max
}

// Resolution returns the clock resolution margin measured at construction,
// letting a caller report whether the configured target is achievable on
// this host.
func (l *Limiter) Resolution() time.Duration {
	return l.resolution
}

// Wait blocks until batchSize/targetPPS seconds have elapsed since the
// previous Wait returned (or since construction, for the first call).
func (l *Limiter) Wait() {
	target := time.Duration(float64(l.batchSize) / l.targetPPS * float64(time.Second))
	deadline := l.lastWait.Add(target)

	// Only the time blocked in here counts toward totalWaited; the time the
	// caller spent sending the batch belongs to the inter-call period, not
	// the wait.
	start := time.Now()
	switch l.method {
	case Sleep:
		l.sleepUntil(deadline)
	case Active:
		l.spinUntil(deadline)
	default:
		l.autoUntil(deadline)
	}

	now := time.Now()
	l.totalWaited += now.Sub(start)
	l.totalSent.Add(l.batchSize)
	l.lastWait = now
}

func (l *Limiter) sleepUntil(deadline time.Time) {
	if residual := time.Until(deadline); residual > 0 {
		time.Sleep(residual)
	}
}

func (l *Limiter) spinUntil(deadline time.Time) {
	for time.Now().Before(deadline) {
	}
}

func (l *Limiter) autoUntil(deadline time.Time) {
	margin := l.resolution
	for {
		residual := time.Until(deadline)
		if residual <= margin {
			break
		}
		time.Sleep(residual - margin)
	}
	l.spinUntil(deadline)
}

// Statistics returns the limiter's average achieved rate and the total time
// spent blocked inside Wait since construction.
func (l *Limiter) Statistics() Statistics {
	elapsed := time.Since(l.start)
	sent := l.totalSent.Load()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(sent) / elapsed.Seconds()
	}
	return Statistics{
		AverageRate: rate,
		TotalWaited: l.totalWaited,
	}
}
