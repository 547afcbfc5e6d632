package transfer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const sweepBatchLimit = 500

// Sweeper periodically expires file records older than the retention
// window: backing objects are deleted best-effort, then the matched
// records are soft-deleted in one batched update.
type Sweeper struct {
	ctrl      *Controller
	retention time.Duration
	interval  time.Duration
	errorWait time.Duration
	log       *zap.Logger
}

// NewSweeper builds a sweeper (defaults: 30-day retention, hourly passes).
func NewSweeper(ctrl *Controller, retention, interval time.Duration, log *zap.Logger) *Sweeper {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		ctrl:      ctrl,
		retention: retention,
		interval:  interval,
		errorWait: 30 * time.Second,
		log:       log,
	}
}

// Run loops until ctx is canceled. A failing pass is logged and retried
// after a short fixed backoff instead of crashing the loop.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		swept, err := s.SweepOnce(ctx)
		if err != nil {
			s.log.Error("retention sweep failed", zap.Error(err))
			timer.Reset(s.errorWait)
			continue
		}
		if swept > 0 {
			s.log.Info("retention sweep complete", zap.Int64("files_expired", swept))
		}
		timer.Reset(s.interval)
	}
}

// SweepOnce runs a single pass and returns how many records were expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.ctrl.now().UTC().Add(-s.retention)

	records, err := s.ctrl.records.FindOlderThan(ctx, cutoff, sweepBatchLimit)
	if err != nil {
		return 0, Wrap(KindStorageUnavailable, err, "retention scan failed")
	}
	if len(records) == 0 {
		return 0, nil
	}

	fileIDs := make([]string, 0, len(records))
	for _, rec := range records {
		fileIDs = append(fileIDs, rec.FileID)
		// Object deletion is best-effort; a failure must not abort the
		// sweep or leave the record undeleted forever.
		if derr := s.ctrl.storageCall(ctx, func(ctx context.Context) error {
			return s.ctrl.objects.Delete(ctx, rec.StorageKey)
		}); derr != nil {
			s.log.Warn("expired object delete failed",
				zap.String("file_id", rec.FileID),
				zap.String("storage_key", rec.StorageKey),
				zap.Error(derr))
		}
	}

	modified, err := s.ctrl.records.SoftDeleteMany(ctx, fileIDs)
	if err != nil {
		return 0, Wrap(KindStorageUnavailable, err, "retention soft-delete failed")
	}
	return modified, nil
}
