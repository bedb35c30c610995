package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mediacore/internal/models"
)

const defaultRetentionBatch = 200

// uploadRetention is the slice of upload.SessionStore the sweeper needs.
type uploadRetention interface {
	ListExpired(ctx context.Context, completedBefore, idleBefore time.Time, limit int) ([]models.UploadSession, error)
	Delete(ctx context.Context, id string) error
}

// retentionSweeper tombstones uploads that finished longer ago than the
// completed retention and uploads abandoned for longer than the idle window.
// Completed uploads that have not reached the media sink are left alone.
type retentionSweeper struct {
	uploads   uploadRetention
	completed time.Duration
	idle      time.Duration
	batch     int
	now       func() time.Time
}

func newRetentionSweeper(uploads uploadRetention, completed, idle time.Duration) *retentionSweeper {
	return &retentionSweeper{
		uploads:   uploads,
		completed: completed,
		idle:      idle,
		batch:     defaultRetentionBatch,
		now:       time.Now,
	}
}

// cutoff returns the zero time when retention is disabled, which no record
// predates.
func (s *retentionSweeper) cutoff(now time.Time, retention time.Duration) time.Time {
	if retention <= 0 {
		return time.Time{}
	}
	return now.Add(-retention)
}

// Sweep runs one pass and reports how many uploads were tombstoned.
func (s *retentionSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	expired, err := s.uploads.ListExpired(ctx, s.cutoff(now, s.completed), s.cutoff(now, s.idle), s.batch)
	if err != nil {
		return 0, fmt.Errorf("list expired uploads: %w", err)
	}
	var (
		removed int
		errs    []error
	)
	for _, session := range expired {
		if session.Status == models.UploadCompleted && session.HandedOffAt == nil {
			continue
		}
		if err := s.uploads.Delete(ctx, session.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete upload %s: %w", session.ID, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

type sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func startRetentionWorker(ctx context.Context, logger *slog.Logger, sweeps sweeper, interval time.Duration) func() {
	return startRetentionWorkerWithTicker(ctx, logger, sweeps, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startRetentionWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeps sweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sweeps == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := sweeps.Sweep(workerCtx)
				if err != nil && logger != nil {
					logger.Error("upload retention sweep failed", "removed", removed, "error", err)
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("expired uploads removed", "removed", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
