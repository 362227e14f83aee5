package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// purgeHistoryQuery removes versions replaced before $1, except the newest
// $2 versions of each snapshot.
const purgeHistoryQuery = `
	DELETE FROM snapshot_history h
	 WHERE h.replaced_at < $1
	   AND h.version <= (
	       SELECT MAX(x.version) - $2
	         FROM snapshot_history x
	        WHERE x.login = h.login AND x.name = h.name
	   )`

// HistoryCleaner prunes archived snapshot versions.
type HistoryCleaner struct {
	DB        *sql.DB
	Retention time.Duration
	// Keep is the number of newest versions per snapshot that survive
	// regardless of age.
	Keep  int
	Clock clock.Clock
	Log   *zap.Logger
}

// Clean runs one pass and returns the number of deleted versions.
func (c *HistoryCleaner) Clean(ctx context.Context) (int64, error) {
	cutoff := c.clock().Now().Add(-c.Retention).UTC()
	res, err := c.DB.ExecContext(ctx, purgeHistoryQuery, cutoff, c.Keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Run cleans every interval until ctx is done.
func (c *HistoryCleaner) Run(ctx context.Context, interval time.Duration) {
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}
	timer := c.clock().NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			removed, err := c.Clean(ctx)
			switch {
			case err != nil:
				log.Error("failed to clean snapshot history", zap.Error(err))
			case removed > 0:
				log.Info("cleaned snapshot history", zap.Int64("removed", removed))
			}
			timer.Reset(interval)
		}
	}
}

func (c *HistoryCleaner) clock() clock.Clock {
	if c.Clock == nil {
		return clock.WallClock
	}
	return c.Clock
}

// StartHistoryCleaner runs a HistoryCleaner in the background until ctx is
// done.
func StartHistoryCleaner(ctx context.Context, db *sql.DB, interval, retention time.Duration, keep int, log *zap.Logger) {
	c := &HistoryCleaner{DB: db, Retention: retention, Keep: keep, Log: log}
	go c.Run(ctx, interval)
}
