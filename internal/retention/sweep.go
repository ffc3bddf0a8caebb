// Package retention reclaims storage for recordings whose finished artifact
// has outlived the retention window.
package retention

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipdeck/backend/internal/models"
	"github.com/clipdeck/backend/pkg/metrics"
	"github.com/clipdeck/backend/pkg/storage"
)

// SessionStore is the session persistence the sweep needs.
type SessionStore interface {
	ListExpired(ctx context.Context, status string, cutoff time.Time, limit int) ([]models.RecordingSession, error)
	ListExpiredErrors(ctx context.Context, cutoff time.Time, limit int) ([]models.RecordingSession, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Sweeper deletes expired sessions and their on-disk artifacts in bounded
// batches.
type Sweeper struct {
	store     SessionStore
	layout    *storage.Layout
	archive   *storage.S3 // optional
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger
}

// NewSweeper creates a retention sweeper.
func NewSweeper(store SessionStore, layout *storage.Layout, batchSize int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Sweeper{
		store:     store,
		layout:    layout,
		batchSize: batchSize,
		clock:     time.Now,
		logger:    logger,
	}
}

// SetArchive sets the optional S3 archive so archived copies are removed too.
func (s *Sweeper) SetArchive(a *storage.S3) { s.archive = a }

// Sweep deletes done sessions whose processed_at is older than the window
// and, when errorWindow > 0, error sessions not touched for that long.
// Error sessions are never reclaimed by the done-window alone. Returns the
// number of sessions removed.
func (s *Sweeper) Sweep(ctx context.Context, window time.Duration, errorWindow time.Duration) (int, error) {
	removed, err := s.sweepStatus(ctx, models.SessionStatusDone, s.clock().Add(-window))
	if err != nil {
		return removed, err
	}
	if errorWindow > 0 {
		n, err := s.sweepErrors(ctx, s.clock().Add(-errorWindow))
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Sweeper) sweepStatus(ctx context.Context, status string, cutoff time.Time) (int, error) {
	removed := 0
	for {
		batch, err := s.store.ListExpired(ctx, status, cutoff, s.batchSize)
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			return removed, nil
		}
		n, err := s.deleteBatch(ctx, batch, status)
		removed += n
		if err != nil {
			return removed, err
		}
		if n == 0 {
			// Every session in the batch resisted deletion; re-querying
			// would hand back the same rows forever.
			s.logger.Warn("retention sweep made no progress",
				zap.String("status", status), zap.Int("batch", len(batch)))
			return removed, nil
		}
		if len(batch) < s.batchSize {
			return removed, nil
		}
	}
}

func (s *Sweeper) sweepErrors(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for {
		batch, err := s.store.ListExpiredErrors(ctx, cutoff, s.batchSize)
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			return removed, nil
		}
		n, err := s.deleteBatch(ctx, batch, models.SessionStatusError)
		removed += n
		if err != nil {
			return removed, err
		}
		if n == 0 {
			s.logger.Warn("retention sweep made no progress",
				zap.String("status", models.SessionStatusError), zap.Int("batch", len(batch)))
			return removed, nil
		}
		if len(batch) < s.batchSize {
			return removed, nil
		}
	}
}

// deleteBatch removes artifact, chunk directory, scratch directory and the
// session row for each session. The row goes last so a crash mid-delete
// re-targets the session on the next sweep instead of orphaning files.
func (s *Sweeper) deleteBatch(ctx context.Context, batch []models.RecordingSession, status string) (int, error) {
	removed := 0
	for _, session := range batch {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		sid := session.ID.String()
		if err := s.layout.RemoveArtifact(sid); err != nil {
			s.logger.Warn("remove artifact failed", zap.Error(err), zap.String("session_id", sid))
			continue
		}
		if err := s.layout.RemoveChunks(sid); err != nil {
			s.logger.Warn("remove chunks failed", zap.Error(err), zap.String("session_id", sid))
			continue
		}
		if err := s.layout.RemoveScratch(sid); err != nil {
			s.logger.Warn("remove scratch failed", zap.Error(err), zap.String("session_id", sid))
			continue
		}
		if s.archive != nil {
			if err := s.archive.DeleteArtifact(ctx, sid); err != nil {
				s.logger.Warn("remove archived artifact failed", zap.Error(err), zap.String("session_id", sid))
			}
		}
		if err := s.store.Delete(ctx, session.ID); err != nil {
			s.logger.Error("delete session row failed", zap.Error(err), zap.String("session_id", sid))
			continue
		}
		metrics.RetentionDeleted.WithLabelValues(status).Inc()
		removed++
		s.logger.Info("session reclaimed", zap.String("session_id", sid), zap.String("status", status))
	}
	return removed, nil
}

// RunPeriodic sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) RunPeriodic(ctx context.Context, interval, window, errorWindow time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx, window, errorWindow)
			if err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err), zap.Int("removed", n))
				continue
			}
			s.logger.Info("retention sweep completed", zap.Int("removed", n))
		}
	}
}
