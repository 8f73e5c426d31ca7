package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/courtflow/courtflow/internal/cache"
)

// Scheduler zeroes spending windows on their boundaries: daily at local
// midnight, weekly on Monday, monthly on the first. It ticks every minute
// and resets at most once per boundary, so a missed tick is caught by the
// next one.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron

	mu        sync.Mutex
	lastDaily string // date of the last daily reset, YYYY-MM-DD
	lastWeek  string
	lastMonth string
}

// NewScheduler creates the reset scheduler; Start arms it.
func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{
		engine: engine,
		cron:   cron.New(),
	}
}

// Start arms the minute tick. The initial marker set suppresses resets for
// boundaries already past at startup.
func (s *Scheduler) Start() error {
	now := time.Now()
	s.mu.Lock()
	s.lastDaily = dayKey(now)
	s.lastWeek = weekKey(now)
	s.lastMonth = monthKey(now)
	s.mu.Unlock()

	if _, err := s.cron.AddFunc("* * * * *", s.tick); err != nil {
		return fmt.Errorf("schedule reset tick: %w", err)
	}
	s.cron.Start()
	log.Info().Msg("budget reset scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
	defer cancel()
	s.runDue(ctx, time.Now())
}

// runDue performs whichever resets the clock has crossed since the last
// tick. Exported through tests via the engine's repositories.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	daily := dayKey(now) != s.lastDaily
	weekly := weekKey(now) != s.lastWeek
	monthly := monthKey(now) != s.lastMonth
	if daily {
		s.lastDaily = dayKey(now)
	}
	if weekly {
		s.lastWeek = weekKey(now)
	}
	if monthly {
		s.lastMonth = monthKey(now)
	}
	s.mu.Unlock()

	if daily {
		s.reset(ctx, "daily")
		s.clearHourlyCounters(ctx)
	}
	if weekly {
		s.reset(ctx, "weekly")
	}
	if monthly {
		s.reset(ctx, "monthly")
	}
}

func (s *Scheduler) reset(ctx context.Context, window string) {
	if err := s.engine.stores.Trackers.ResetWindow(ctx, window); err != nil {
		log.Error().Err(err).Str("window", window).Msg("window reset failed")
		return
	}
	log.Info().Str("window", window).Msg("spending window reset")
}

func (s *Scheduler) clearHourlyCounters(ctx context.Context) {
	userIDs, err := s.engine.stores.Trackers.ListUserIDs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("hourly counter sweep: user listing failed")
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, cache.KeyHourlyTx+id)
	}
	if err := s.engine.cache.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Msg("hourly counter sweep failed")
	}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// weekKey identifies the ISO week starting Monday.
func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}
