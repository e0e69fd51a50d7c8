package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/observability"
)

// Partitioner runs one date's partition.
type Partitioner interface {
	RunPartition(ctx context.Context, date time.Time, opts RunOptions) (PartitionResult, error)
}

// CompletedDater lists dates the ledger already has successful runs for.
type CompletedDater interface {
	CompletedDates(ctx context.Context, locationID string, from, to time.Time) ([]time.Time, error)
}

// ScheduleConfig controls which dates the scheduler keeps complete.
type ScheduleConfig struct {
	LocationID string
	Start      time.Time     // first date to compute
	LagDays    int           // newest date is today minus LagDays
	Interval   time.Duration // wait between successful ticks
	MaxCatchup int           // dates computed per tick
}

// Scheduler keeps every date from Start to today-LagDays computed, oldest
// first, so each delta finds its previous day. It is driven by one goroutine.
type Scheduler struct {
	cfg     ScheduleConfig
	runner  Partitioner
	ledger  CompletedDater
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	// parked holds dates that failed permanently and when to retry them.
	parked map[time.Time]time.Time
}

// NewScheduler creates a scheduler. A nil clock uses the wall clock.
func NewScheduler(cfg ScheduleConfig, runner Partitioner, ledger CompletedDater, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg.Start = domain.Day(cfg.Start)
	if cfg.MaxCatchup <= 0 {
		cfg.MaxCatchup = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		ledger:  ledger,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		parked:  make(map[time.Time]time.Time),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "start", domain.FormatDate(s.cfg.Start),
		"lag_days", s.cfg.LagDays, "max_catchup", s.cfg.MaxCatchup)
	s.metrics.SchedulerRunning.Set(1)
	defer s.metrics.SchedulerRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s or
	// the interval if shorter.
	const initialBackoff = 200 * time.Millisecond
	backoff := initialBackoff
	maxBackoff := min(5*time.Second, s.cfg.Interval)

	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		}

		n, err := s.Tick(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("scheduled partition failed", "error", err, "retry_in", backoff)
				s.backoffOrStop(ctx, &backoff, maxBackoff)
			}
			continue
		}
		backoff = initialBackoff

		wait := s.cfg.Interval
		if n == s.cfg.MaxCatchup {
			// More dates may be pending; keep catching up.
			wait = 0
		}
		sleepWithContext(ctx, s.clock, wait)
	}
}

// Tick runs up to MaxCatchup pending dates in ascending order and returns how
// many it settled. A permanent failure (see IsPermanent) parks its date until
// Interval has passed and the tick moves on; any other failure stops the tick
// and is returned so Run retries with backoff.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	dates, err := s.PendingDates(ctx)
	if err != nil {
		return 0, err
	}
	if len(dates) > 0 {
		s.logger.Debug("pending partitions", "count", len(dates), "first", domain.FormatDate(dates[0]))
	}

	done := 0
	for _, d := range dates {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if _, err := s.runner.RunPartition(ctx, d, RunOptions{}); err != nil {
			if !IsPermanent(err) {
				return done, err
			}
			until := s.clock.Now().Add(s.cfg.Interval)
			s.parked[d] = until
			s.logger.Error("partition parked after permanent failure", "date", domain.FormatDate(d),
				"error", err, "retry_after", until)
		}
		done++
	}
	return done, nil
}

// PendingDates returns the oldest dates without a successful run that are not
// parked, at most MaxCatchup of them.
func (s *Scheduler) PendingDates(ctx context.Context) ([]time.Time, error) {
	end := domain.Day(s.clock.Now()).AddDate(0, 0, -s.cfg.LagDays)
	if end.Before(s.cfg.Start) {
		return nil, nil
	}

	completed, err := s.ledger.CompletedDates(ctx, s.cfg.LocationID, s.cfg.Start, end)
	if err != nil {
		return nil, err
	}
	done := make(map[time.Time]bool, len(completed))
	for _, d := range completed {
		done[domain.Day(d)] = true
	}

	now := s.clock.Now()
	var pending []time.Time
	for d := s.cfg.Start; !d.After(end) && len(pending) < s.cfg.MaxCatchup; d = d.AddDate(0, 0, 1) {
		if done[d] {
			delete(s.parked, d)
			continue
		}
		if until, ok := s.parked[d]; ok && now.Before(until) {
			continue
		}
		pending = append(pending, d)
	}
	return pending, nil
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the scheduler should stop.
func (s *Scheduler) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, s.clock, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
