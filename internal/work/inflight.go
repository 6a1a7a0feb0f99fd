package work

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// InFlight deduplicates concurrent identical calls. At most one call per
// (job type, key) runs at a time; later callers wait for and share its result.
type InFlight struct {
	group   singleflight.Group
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewInFlight creates an empty in-flight registry.
func NewInFlight() *InFlight {
	return &InFlight{pending: make(map[string]struct{})}
}

func inflightKey(jobType, key string) string {
	return jobType + "\x00" + key
}

// IsPending reports whether a call for (jobType, key) is currently running.
func (f *InFlight) IsPending(jobType, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[inflightKey(jobType, key)]
	return ok
}

// Count returns the number of calls currently running.
func (f *InFlight) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Do runs fn unless an identical call is already running, in which case it waits
// for that call and returns its result. shared is true when the result was
// delivered to more than one caller.
//
// fn runs detached from the caller's cancellation so one caller giving up does
// not abort the shared call; a cancelled caller stops waiting and gets ctx.Err().
// The deadline of the caller that starts the call still bounds fn.
func Do[T any](ctx context.Context, f *InFlight, jobType, key string, fn func(ctx context.Context) (T, error)) (result T, shared bool, err error) {
	k := inflightKey(jobType, key)

	ch := f.group.DoChan(k, func() (v interface{}, err error) {
		detached := context.WithoutCancel(ctx)
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			detached, cancel = context.WithDeadline(detached, deadline)
			defer cancel()
		}

		f.mu.Lock()
		f.pending[k] = struct{}{}
		f.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s %s panicked: %v", jobType, key, r)
			}
			f.mu.Lock()
			delete(f.pending, k)
			f.mu.Unlock()
		}()

		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return result, res.Shared, res.Err
		}
		if res.Val != nil {
			result = res.Val.(T)
		}
		return result, res.Shared, nil
	case <-ctx.Done():
		return result, false, ctx.Err()
	}
}
