package pool

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the idle sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically evicts idle sessions from a cache. The idle
// timeout is read from the cache's tunables on every sweep, so it can
// be retuned without restarting the sweeper.
type Sweeper struct {
	cache   *SessionCache
	cron    *cron.Cron
	entry   cron.EntryID
	log     zerolog.Logger
	running bool
}

// NewSweeper builds a sweeper on the given cron schedule expression
// (e.g. "@every 30s").
func NewSweeper(cache *SessionCache, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	s := &Sweeper{
		cache: cache,
		cron:  cron.New(),
		log:   cache.log.With().Str("component", "sweeper").Logger(),
	}

	entry, err := s.cron.AddFunc(schedule, s.sweep)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.entry = entry

	return s, nil
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() error {
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.cron.Start()

	s.log.Info().Msg("Idle session sweeper started")
	return nil
}

// Stop halts sweeping. A sweep already in flight finishes.
func (s *Sweeper) Stop() error {
	if !s.running {
		return fmt.Errorf("sweeper is not running")
	}
	s.running = false
	<-s.cron.Stop().Done()

	s.log.Info().Msg("Idle session sweeper stopped")
	return nil
}

// IsRunning reports whether the sweeper is active.
func (s *Sweeper) IsRunning() bool {
	return s.running
}

// SweepNow runs one sweep immediately.
func (s *Sweeper) SweepNow() {
	s.sweep()
}

func (s *Sweeper) sweep() {
	if s.cache.IsShuttingDown() {
		return
	}

	timeout := s.cache.tunables.SessionMaxIdleTimeout()
	before := s.cache.IdleSessionsCount()
	s.cache.CloseExpiredIdleSessions(timeout)
	after := s.cache.IdleSessionsCount()

	if swept := before - after; swept > 0 {
		s.log.Debug().
			Int("swept", swept).
			Int("remaining", after).
			Dur("idle_timeout", timeout).
			Msg("Idle sessions swept")
	}
}
