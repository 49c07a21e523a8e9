// Package sweeper periodically removes expired presence records.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"nearby/internal/metrics"
)

// DefaultInterval is the time between two sweeps
const DefaultInterval = 300 * time.Second

// cronRetryDelay is how long to wait when the next cron tick cannot be computed
const cronRetryDelay = 30 * time.Second

// Expirer deletes records that expired strictly before cutoff
type Expirer interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// State reports what the sweeper is doing
type State int32

const (
	Idle State = iota
	Sweeping
)

func (s State) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

// Schedule decides when the next sweep happens. Cron, when set, takes
// precedence over Interval.
type Schedule struct {
	Interval time.Duration
	Cron     string
}

// next returns the delay until the next sweep, measured from now
func (s Schedule) next(now time.Time) (time.Duration, error) {
	if s.Cron == "" {
		return s.Interval, nil
	}
	at, err := gronx.NextTickAfter(s.Cron, now, false)
	if err != nil {
		return 0, err
	}
	return at.Sub(now), nil
}

// Validate checks the schedule can produce ticks
func (s Schedule) Validate() error {
	if s.Cron != "" {
		if !gronx.IsValid(s.Cron) {
			return fmt.Errorf("invalid cron expression: %s", s.Cron)
		}
		return nil
	}
	if s.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}

// Sweeper runs DeleteExpired on a schedule. Sweeps happen on the Run
// goroutine only, so two sweeps never overlap.
type Sweeper struct {
	expirer    Expirer
	schedule   Schedule
	runOnStart bool
	logger     *slog.Logger
	now        func() time.Time
	state      atomic.Int32
}

// Option customizes a Sweeper
type Option func(*Sweeper)

// WithRunOnStart sweeps once immediately when Run starts
func WithRunOnStart(enabled bool) Option {
	return func(s *Sweeper) { s.runOnStart = enabled }
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper. A nil logger falls back to slog.Default().
func New(expirer Expirer, schedule Schedule, logger *slog.Logger, opts ...Option) (*Sweeper, error) {
	if expirer == nil {
		return nil, errors.New("sweeper requires an expirer")
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		expirer:  expirer,
		schedule: schedule,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs a fixed-interval sweeper until ctx is cancelled
func Start(ctx context.Context, expirer Expirer, interval time.Duration, logger *slog.Logger) error {
	s, err := New(expirer, Schedule{Interval: interval}, logger)
	if err != nil {
		return err
	}
	s.Run(ctx)
	return nil
}

// State returns the current state
func (s *Sweeper) State() State {
	return State(s.state.Load())
}

// Run blocks until ctx is cancelled. The next sweep is scheduled only after
// the previous one has returned.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.schedule.Interval, "cron", s.schedule.Cron)
	defer s.logger.Info("sweeper stopped")

	if s.runOnStart {
		s.sweep(ctx)
	}

	timer := time.NewTimer(s.delay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.sweep(ctx)
			timer.Reset(s.delay())
		}
	}
}

// SweepOnce runs a single sweep with the current UTC time as cutoff
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	return s.SweepAt(ctx, s.now().UTC())
}

// SweepAt runs a single sweep with an explicit cutoff
func (s *Sweeper) SweepAt(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Sweeping)) {
		return 0, errors.New("sweep already in progress")
	}
	defer s.state.Store(int32(Idle))

	cutoff = cutoff.UTC()
	start := time.Now()
	deleted, err := s.expirer.DeleteExpired(ctx, cutoff)
	took := time.Since(start)
	metrics.ObserveSweep(deleted, took, err)

	if err != nil {
		return 0, fmt.Errorf("delete expired before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.logger.Info("expired presence removed", "deleted", deleted, "cutoff", cutoff, "took", took)
	return deleted, nil
}

// sweep runs one scheduled sweep; failures are logged and the loop goes on
func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("expiry sweep failed", "error", err)
	}
}

func (s *Sweeper) delay() time.Duration {
	d, err := s.schedule.next(s.now())
	if err != nil {
		s.logger.Error("next sweep tick failed", "cron", s.schedule.Cron, "error", err)
		return cronRetryDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
