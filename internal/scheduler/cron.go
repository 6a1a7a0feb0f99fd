package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// jitteredSchedule fires every base interval ± fraction, picking a new offset each time
type jitteredSchedule struct {
	base     time.Duration
	fraction float64
	rnd      func() float64
}

func (s jitteredSchedule) Next(t time.Time) time.Time {
	return t.Add(Jitter(s.base, s.fraction, s.rnd()))
}

// Cron is the production scheduler backed by robfig/cron
type Cron struct {
	cron     *cron.Cron
	rnd      *lockedRand
	fraction float64
	log      zerolog.Logger
}

// NewCron creates a cron-backed scheduler. Panicking jobs are recovered and logged.
func NewCron(log zerolog.Logger) *Cron {
	l := log.With().Str("component", "scheduler").Logger()
	adapter := cronLogger{log: l}

	return &Cron{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter)),
		),
		rnd:      newLockedRand(time.Now().UnixNano()),
		fraction: DefaultJitter,
		log:      l,
	}
}

// Start starts the scheduler
func (s *Cron) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler without waiting for running jobs
func (s *Cron) Stop() {
	s.cron.Stop()
	s.log.Info().Msg("Scheduler stopped")
}

// ScheduleRecurring registers fn to run on a jittered interval
func (s *Cron) ScheduleRecurring(name string, interval time.Duration, fn func()) CancelFunc {
	schedule := jitteredSchedule{base: interval, fraction: s.fraction, rnd: s.rnd.Float64}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.log.Debug().Str("job", name).Msg("Running job")
		fn()
	}))

	s.log.Info().
		Str("job", name).
		Dur("interval", interval).
		Msg("Job registered")

	var once sync.Once
	return func() {
		once.Do(func() {
			s.cron.Remove(id)
			s.log.Debug().Str("job", name).Msg("Job cancelled")
		})
	}
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
