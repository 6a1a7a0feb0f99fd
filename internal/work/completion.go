package work

import (
	"strings"
	"sync"
	"time"
)

type outcome struct {
	completedAt time.Time
	failedAt    time.Time
	lastError   string
}

// CompletionTracker tracks when jobs last completed or failed.
type CompletionTracker struct {
	outcomes map[string]*outcome // key: "jobID:subject"
	mu       sync.RWMutex
	now      func() time.Time
}

// NewCompletionTracker creates a new completion tracker.
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{
		outcomes: make(map[string]*outcome),
		now:      time.Now,
	}
}

// makeKey creates a unique key for a job and subject combination.
func makeKey(jobID, subject string) string {
	if subject == "" {
		return jobID
	}
	return jobID + ":" + subject
}

func (t *CompletionTracker) entry(key string) *outcome {
	o, ok := t.outcomes[key]
	if !ok {
		o = &outcome{}
		t.outcomes[key] = o
	}
	return o
}

// MarkCompleted records that a job finished successfully.
func (t *CompletionTracker) MarkCompleted(jobID, subject string) {
	t.MarkCompletedAt(jobID, subject, t.now())
}

// MarkCompletedAt records a successful completion at a specific time.
func (t *CompletionTracker) MarkCompletedAt(jobID, subject string, completedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.entry(makeKey(jobID, subject))
	o.completedAt = completedAt
	o.lastError = ""
}

// MarkFailed records that a job failed.
func (t *CompletionTracker) MarkFailed(jobID, subject string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.entry(makeKey(jobID, subject))
	o.failedAt = t.now()
	if err != nil {
		o.lastError = err.Error()
	}
}

// GetCompletion returns when a job/subject combination last completed.
func (t *CompletionTracker) GetCompletion(jobID, subject string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	o, exists := t.outcomes[makeKey(jobID, subject)]
	if !exists || o.completedAt.IsZero() {
		return time.Time{}, false
	}
	return o.completedAt, true
}

// LastError returns the error of the most recent failure since the last success.
func (t *CompletionTracker) LastError(jobID, subject string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if o, ok := t.outcomes[makeKey(jobID, subject)]; ok {
		return o.lastError
	}
	return ""
}

// IsStale returns true if the job should be re-executed based on the interval.
// Zero interval means on-demand only and is always stale.
func (t *CompletionTracker) IsStale(jobID, subject string, interval time.Duration) bool {
	if interval == 0 {
		return true
	}

	completedAt, exists := t.GetCompletion(jobID, subject)
	if !exists {
		return true
	}

	return t.now().Sub(completedAt) > interval
}

// Clear removes the record for a specific job/subject.
func (t *CompletionTracker) Clear(jobID, subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.outcomes, makeKey(jobID, subject))
}

// ClearByJobID removes all records for a job, across all subjects.
func (t *CompletionTracker) ClearByJobID(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.outcomes {
		if key == jobID || strings.HasPrefix(key, jobID+":") {
			delete(t.outcomes, key)
		}
	}
}

// Status builds the status view of a job.
func (t *CompletionTracker) Status(job *Job, running bool) JobStatus {
	status := JobStatus{
		ID:       job.ID,
		Interval: job.Interval.String(),
		Enabled:  job.Enabled,
		Running:  running,
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if o, ok := t.outcomes[job.ID]; ok {
		if !o.completedAt.IsZero() {
			c := o.completedAt
			status.LastCompleted = &c
		}
		if !o.failedAt.IsZero() {
			f := o.failedAt
			status.LastFailed = &f
		}
		status.LastError = o.lastError
	}
	return status
}
