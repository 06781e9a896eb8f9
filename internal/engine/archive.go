package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// ArchiveJob uploads each completed trading day's closed trades to blob
// storage shortly after UTC midnight.
type ArchiveJob struct {
	history  domain.TradeHistoryStore
	archiver domain.TradeArchiver
	logger   *slog.Logger
}

// NewArchiveJob creates an ArchiveJob.
func NewArchiveJob(history domain.TradeHistoryStore, archiver domain.TradeArchiver, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		history:  history,
		archiver: archiver,
		logger:   logger.With(slog.String("component", "archive")),
	}
}

// Run archives the previous UTC day once per day until the context is
// cancelled. A failed upload is retried on the next day's pass; the source
// rows stay in Postgres either way.
func (j *ArchiveJob) Run(ctx context.Context) error {
	for {
		wait := time.Until(nextMidnightUTC(time.Now().UTC()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		j.archivePreviousDay(ctx)
	}
}

// archivePreviousDay uploads yesterday's closed trades.
func (j *ArchiveJob) archivePreviousDay(ctx context.Context) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	dayEnd := dayStart.AddDate(0, 0, 1)

	trades, err := j.history.ListSince(ctx, dayStart)
	if err != nil {
		j.logger.Error("archive query failed", slog.String("error", err.Error()))
		return
	}

	// ListSince has no upper bound; keep only trades closed inside the day.
	filtered := trades[:0]
	for _, t := range trades {
		if t.ClosedAt.Before(dayEnd) {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		j.logger.Info("no trades to archive", slog.Time("day", dayStart))
		return
	}

	key, err := j.archiver.ArchiveDay(ctx, dayStart, filtered)
	if err != nil {
		j.logger.Error("archive upload failed",
			slog.Time("day", dayStart),
			slog.String("error", err.Error()),
		)
		return
	}
	j.logger.Info("archived trading day",
		slog.Time("day", dayStart),
		slog.Int("trades", len(filtered)),
		slog.String("key", key),
	)
}

func nextMidnightUTC(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
