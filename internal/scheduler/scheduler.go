// Package scheduler decides when the strategy engine runs: it sleeps
// until the next kickoff and polls at a fixed interval while any trade
// needs attention.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Runner is the engine surface the scheduler drives.
type Runner interface {
	SyncFixtures(ctx context.Context) error
	ProcessCycle(ctx context.Context) error
	NextWake(now time.Time) (pollNow bool, wakeAt time.Time)
	PollInterval() time.Duration
}

// Clock abstracts time so tests advance simulated time instead of
// waiting on wall-clock timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// idleInterval bounds the sleep when no kickoff is scheduled, so fixture
// sync still runs.
const idleInterval = 5 * time.Minute

type Scheduler struct {
	runner Runner
	clock  Clock

	fixtureEvery time.Duration
	lastSync     time.Time

	inFlight atomic.Bool
	syncMu   sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New wires the scheduler. A nil clock selects wall time.
func New(runner Runner, fixtureEvery time.Duration, clock Clock) *Scheduler {
	if clock == nil {
		clock = systemClock{}
	}
	return &Scheduler{
		runner:       runner,
		clock:        clock,
		fixtureEvery: fixtureEvery,
	}
}

// Run drives the loop until the context is cancelled or Stop is called.
// A stopped scheduler may be run again.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	log.Info().Msg("⏱ Scheduler started")
	for {
		s.maybeSyncFixtures(ctx)

		wait := s.Step(ctx)

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			log.Info().Msg("Scheduler stopped")
			return
		case <-s.clock.After(wait):
		}
	}
}

// Step runs at most one processing cycle and returns how long to sleep
// before the next: the poll interval while any trade needs attention,
// until the next kickoff otherwise, or the idle interval when nothing
// is scheduled.
func (s *Scheduler) Step(ctx context.Context) time.Duration {
	now := s.clock.Now()
	pollNow, wakeAt := s.runner.NextWake(now)

	if pollNow {
		s.runCycle(ctx)
		return s.runner.PollInterval()
	}
	if !wakeAt.IsZero() {
		until := wakeAt.Sub(now)
		if until > idleInterval {
			until = idleInterval
		}
		if until < 0 {
			until = 0
		}
		return until
	}
	return idleInterval
}

// runCycle runs one cycle under the in-flight guard: overlapping cycles
// over the same trade set are never allowed.
func (s *Scheduler) runCycle(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		log.Debug().Msg("Cycle already in flight, skipping")
		return
	}
	defer s.inFlight.Store(false)

	if err := s.runner.ProcessCycle(ctx); err != nil {
		log.Error().Err(err).Msg("Processing cycle failed")
	}
}

// maybeSyncFixtures refreshes the schedule under its own guard.
func (s *Scheduler) maybeSyncFixtures(ctx context.Context) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	now := s.clock.Now()
	if !s.lastSync.IsZero() && now.Sub(s.lastSync) < s.fixtureEvery {
		return
	}
	if err := s.runner.SyncFixtures(ctx); err != nil {
		log.Error().Err(err).Msg("Fixture sync failed")
		return
	}
	s.lastSync = now
}

// Stop ends the loop; calling it again, or before Run, is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		close(s.stopCh)
	}
}
