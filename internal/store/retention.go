package store

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

const purgeExpiredLogsSQL = `DELETE FROM message_logs WHERE expire_at IS NOT NULL AND expire_at <= $1`

// PurgeExpiredLogs deletes every message log (and its messages) whose expiry
// elapsed before now. Reads already hide such logs.
func (s *PostgresStore) PurgeExpiredLogs(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeExpiredLogsSQL, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

type purger interface {
	PurgeExpiredLogs(ctx context.Context, now time.Time) (int64, error)
}

type adder interface {
	Add(float64)
}

// Sweeper physically removes expired message logs on a cron schedule.
type Sweeper struct {
	store  purger
	cron   string
	logger *zap.Logger
	now    func() time.Time
	purged adder
}

func NewSweeper(store purger, cronExpr string, logger *zap.Logger) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = "*/15 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, cron: cronExpr, logger: logger, now: time.Now}, nil
}

// CountInto adds every purge count to c, typically a prometheus counter.
func (s *Sweeper) CountInto(c adder) *Sweeper {
	s.purged = c
	return s
}

// NextRun returns the first scheduled tick strictly after from.
func (s *Sweeper) NextRun(from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, from.UTC(), false)
}

// RunOnce purges logs that expired before the current time.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	purged, err := s.store.PurgeExpiredLogs(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if s.purged != nil {
		s.purged.Add(float64(purged))
	}
	if purged > 0 {
		s.logger.Info("expired message logs purged", zap.Int64("count", purged))
	}
	return purged, nil
}

// Run blocks until ctx is cancelled, purging at every cron tick.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("retention sweeper started", zap.String("cron", s.cron))
	for {
		next, err := s.NextRun(s.now())
		wait := time.Until(next)
		if err != nil {
			s.logger.Error("retention next tick failed", zap.String("cron", s.cron), zap.Error(err))
			wait = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopping")
			return
		case <-time.After(wait):
		}

		if err == nil {
			if _, runErr := s.RunOnce(ctx); runErr != nil {
				s.logger.Error("retention run failed", zap.Error(runErr))
			}
		}
	}
}
