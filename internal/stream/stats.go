package stream

import (
	"context"
	"log/slog"
	"time"

	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
	"mediacore/internal/storage"
)

type statsStore interface {
	storage.StatsRepository
	storage.ChannelDirectory
}

// StatsAggregator writes the immutable statistics record for ended sessions
// and exposes the channel's cumulative totals.
type StatsAggregator struct {
	store  statsStore
	logger *slog.Logger
	now    func() time.Time
}

func NewStatsAggregator(store statsStore, logger *slog.Logger) *StatsAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsAggregator{store: store, logger: logging.WithComponent(logger, "stream_stats"), now: time.Now}
}

// Finalize records the statistics for an ENDED session and bumps the
// channel counters in the same durable unit. Repeated calls for one session
// return the stored record with created=false and change nothing.
func (a *StatsAggregator) Finalize(ctx context.Context, session models.LiveStreamSession) (models.StreamStatsRecord, bool, error) {
	if session.Status != models.SessionEnded {
		return models.StreamStatsRecord{}, false, models.Conflict(models.CodeInvalidTransition, "stream %s is %s, only ended streams are finalized", session.ID, session.Status)
	}
	ended := a.now().UTC()
	if session.EndedAt != nil {
		ended = session.EndedAt.UTC()
	}
	record := models.StreamStatsRecord{
		StreamID:      session.ID,
		ChannelID:     session.ChannelID,
		TotalViewers:  session.TotalViewers,
		PeakViewers:   session.PeakViewers,
		TotalDuration: session.DurationSeconds,
		StreamDate:    models.StreamDate(ended),
		CreatedAt:     a.now().UTC(),
	}
	stored, created, err := a.store.FinalizeStats(ctx, record)
	if err != nil {
		return models.StreamStatsRecord{}, false, err
	}
	logger := logging.WithContext(logging.ContextWithStreamID(ctx, session.ID), a.logger)
	if created {
		logger.Info("stream stats finalized", "channel_id", session.ChannelID, "duration_seconds", stored.TotalDuration, "peak_viewers", stored.PeakViewers)
	} else {
		logger.Debug("stream stats already finalized")
	}
	return stored, created, nil
}

// Get returns the statistics record for a stream.
func (a *StatsAggregator) Get(ctx context.Context, streamID string) (models.StreamStatsRecord, error) {
	return a.store.GetStats(ctx, streamID)
}

// ChannelTotals returns the channel with its cumulative counters.
func (a *StatsAggregator) ChannelTotals(ctx context.Context, channelID string) (models.Channel, error) {
	return a.store.GetChannel(ctx, channelID)
}
