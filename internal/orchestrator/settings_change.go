package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// ChangeKind names what part of the settings changed
type ChangeKind string

const (
	ChangeCredentials ChangeKind = "credentials"
	ChangeRecurrence  ChangeKind = "recurrence"
	ChangeRealtime    ChangeKind = "realtime"
	ChangePatterns    ChangeKind = "patterns"
)

// ParseChangeKind validates a change kind received from outside
func ParseChangeKind(s string) (ChangeKind, error) {
	switch k := ChangeKind(s); k {
	case ChangeCredentials, ChangeRecurrence, ChangeRealtime, ChangePatterns:
		return k, nil
	}
	return "", fmt.Errorf("unknown settings change %q", s)
}

// SettingsChange is a notification that persisted settings were edited
type SettingsChange struct {
	Kind ChangeKind `json:"kind"`
}

const settingsChangeTimeout = 2 * time.Minute

// NotifySettingsChanged queues a change for the settings listener. It never
// blocks; returns false when the orchestrator is stopped or the queue is full.
func (o *Orchestrator) NotifySettingsChanged(change SettingsChange) bool {
	if !o.IsRunning() {
		return false
	}
	select {
	case o.changes <- change:
		return true
	default:
		o.log.Warn().Str("kind", string(change.Kind)).Msg("Settings change queue full, dropping")
		return false
	}
}

// listen drains settings changes until ctx is cancelled
func (o *Orchestrator) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-o.changes:
			o.applySettingsChange(ctx, change)
		}
	}
}

func (o *Orchestrator) applySettingsChange(ctx context.Context, change SettingsChange) {
	s := o.loadSettings()

	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()

	o.log.Info().Str("kind", string(change.Kind)).Msg("Applying settings change")

	switch change.Kind {
	case ChangeCredentials:
		if o.deps.Credentials != nil {
			o.deps.Credentials.SetCredentials(s.FinnhubAPIKey, s.FinnhubTier)
		}
		if s.RealtimeCapable() {
			o.restartStream()
		} else {
			o.stopStream()
		}
		runCtx, cancel := context.WithTimeout(ctx, settingsChangeTimeout)
		defer cancel()
		if err := o.RefreshOnConfigChange(runCtx); err != nil {
			o.log.Warn().Err(err).Msg("Refresh after credential change failed")
		}

	case ChangeRecurrence:
		if err := o.UpdateRecurrence(s.AIRecurrenceMinutes); err != nil {
			o.log.Warn().Err(err).Msg("Ignoring recurrence change")
		}

	case ChangeRealtime:
		if s.RealtimeCapable() {
			o.startStream()
		} else {
			o.stopStream()
		}

	case ChangePatterns:
		o.SetPatternScan(s.PatternScanEnabled)

	default:
		o.log.Warn().Str("kind", string(change.Kind)).Msg("Unknown settings change")
	}
}
