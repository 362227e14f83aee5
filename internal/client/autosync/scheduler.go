// Package autosync triggers unattended syncs: once when the database is
// opened, on a fixed interval, and a short while after local changes.
package autosync

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/atinyakov/secretsync/internal/models"
)

// Syncer runs every profile that can sync without prompting.
type Syncer interface {
	SyncStored(ctx context.Context) []models.SyncResult
}

// Config configures a Scheduler. A zero Interval or ChangeDelay disables
// that trigger.
type Config struct {
	Syncer      Syncer
	Interval    time.Duration
	OnOpen      bool
	ChangeDelay time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Scheduler decides when to sync. Syncs never overlap.
type Scheduler struct {
	cfg     Config
	log     *zap.Logger
	changed chan struct{}
}

// New returns a scheduler; Run starts it.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Syncer == nil {
		return nil, errors.New("autosync: syncer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		log:     cfg.Logger.Named("autosync"),
		changed: make(chan struct{}, 1),
	}, nil
}

// Notify reports a local change. It never blocks and may be passed to
// tree.OnDirty directly.
func (s *Scheduler) Notify() {
	if s.cfg.ChangeDelay <= 0 {
		return
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.OnOpen {
		s.sync(ctx, "open")
	}

	var (
		interval clock.Timer
		tick     <-chan time.Time
		debounce clock.Timer
		pending  <-chan time.Time
	)
	if s.cfg.Interval > 0 {
		interval = s.cfg.Clock.NewTimer(s.cfg.Interval)
		defer interval.Stop()
		tick = interval.Chan()
	}
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.sync(ctx, "interval")
			interval.Reset(s.cfg.Interval)
		case <-s.changed:
			// Every change restarts the delay.
			if debounce == nil {
				debounce = s.cfg.Clock.NewTimer(s.cfg.ChangeDelay)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.Chan():
					default:
					}
				}
				debounce.Reset(s.cfg.ChangeDelay)
			}
			pending = debounce.Chan()
		case <-pending:
			pending = nil
			s.sync(ctx, "change")
		}
	}
}

func (s *Scheduler) sync(ctx context.Context, trigger string) {
	results := s.cfg.Syncer.SyncStored(ctx)
	failed := 0
	for _, r := range results {
		if r.Outcome == models.OutcomeFailed {
			failed++
		}
	}
	s.log.Debug("auto sync finished",
		zap.String("trigger", trigger),
		zap.Int("profiles", len(results)),
		zap.Int("failed", failed),
	)
}
