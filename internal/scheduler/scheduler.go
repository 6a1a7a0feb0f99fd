// Package scheduler runs recurring background jobs on jittered intervals.
package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// DefaultJitter is the fraction by which every recurring interval is perturbed
const DefaultJitter = 0.15

// CancelFunc stops a recurring job. Calling it more than once is harmless.
type CancelFunc func()

// Scheduler schedules recurring work
type Scheduler interface {
	// ScheduleRecurring runs fn repeatedly, waiting a jittered interval before each run.
	ScheduleRecurring(name string, interval time.Duration, fn func()) CancelFunc
	Start()
	Stop()
}

// Jitter perturbs base uniformly by ±fraction. r must be in [0, 1).
func Jitter(base time.Duration, fraction, r float64) time.Duration {
	if base <= 0 {
		return 0
	}
	factor := 1 + fraction*(2*r-1)
	d := time.Duration(float64(base) * factor)
	if d < 0 {
		return 0
	}
	return d
}

// lockedRand is a goroutine-safe source for jitter
type lockedRand struct {
	mu  sync.Mutex
	src *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{src: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Float64()
}
