package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipdeck/backend/internal/models"
	"github.com/clipdeck/backend/pkg/metrics"
	"github.com/clipdeck/backend/pkg/queue"
	"github.com/clipdeck/backend/pkg/storage"
)

// SessionStore is the session persistence the job needs.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.RecordingSession, error)
	ClaimForProcessing(ctx context.Context, id uuid.UUID) (*models.RecordingSession, error)
	MarkDone(ctx context.Context, id uuid.UUID, outputPath string, processedAt time.Time) error
	MarkError(ctx context.Context, id uuid.UUID, msg string) error
}

// Transcoder runs the external encoder over the assembled stream.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string) error
}

// Processor assembles uploaded chunks and transcodes them into the final
// artifact. Safe to trigger more than once per session: the conditional
// claim on the session row lets only one invocation do the work.
type Processor struct {
	store          SessionStore
	layout         *storage.Layout
	transcoder     Transcoder
	archive        *storage.S3 // optional
	queue          *queue.Queue
	clock          func() time.Time
	doneRetryDelay time.Duration
	logger         *zap.Logger
}

// NewProcessor creates a transcode processor.
func NewProcessor(store SessionStore, layout *storage.Layout, transcoder Transcoder, q *queue.Queue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:          store,
		layout:         layout,
		transcoder:     transcoder,
		queue:          q,
		clock:          time.Now,
		doneRetryDelay: time.Second,
		logger:         logger,
	}
}

// SetArchive sets the optional S3 archive for finished artifacts.
func (p *Processor) SetArchive(s *storage.S3) { p.archive = s }

// Process executes one transcode job. Returns an error only for transient
// infrastructure failures that warrant a queue retry; both success and
// terminal session failures return nil.
func (p *Processor) Process(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := p.store.GetByID(ctx, sessionID); err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	// Assembly must read the row as the claim saw it: sessions in finished
	// keep accepting late parts, so a pre-claim snapshot of the high-water
	// mark could silently drop an acknowledged chunk from the artifact.
	session, err := p.store.ClaimForProcessing(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	if session == nil {
		// Another invocation already owns this session (duplicate enqueue,
		// redelivery, manual retry). Nothing to do.
		p.logger.Info("transcode already claimed", zap.String("session_id", sessionID.String()))
		metrics.TranscodeJobs.WithLabelValues("skipped").Inc()
		return nil
	}

	start := p.clock()
	outputPath, err := p.run(ctx, session)
	if err != nil {
		// The claim succeeded, so the session must reach a terminal state
		// even when ctx was cancelled mid-run.
		markCtx := context.WithoutCancel(ctx)
		if mErr := p.store.MarkError(markCtx, sessionID, err.Error()); mErr != nil {
			p.logger.Error("mark error failed", zap.Error(mErr), zap.String("session_id", sessionID.String()))
		}
		metrics.TranscodeJobs.WithLabelValues("error").Inc()
		p.logger.Error("transcode failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		return nil
	}

	// The claim made this invocation the sole owner; a queue redelivery can
	// only hit the already-claimed branch, so the terminal transition has to
	// land here even if it takes several tries.
	markCtx := context.WithoutCancel(ctx)
	if doneErr := p.finalize(markCtx, sessionID, outputPath); doneErr != nil {
		if mErr := p.store.MarkError(markCtx, sessionID, "finalize failed: "+doneErr.Error()); mErr != nil {
			p.logger.Error("mark error failed", zap.Error(mErr), zap.String("session_id", sessionID.String()))
		}
		metrics.TranscodeJobs.WithLabelValues("error").Inc()
		p.logger.Error("transcode finalize failed", zap.Error(doneErr), zap.String("session_id", sessionID.String()))
		return nil
	}
	metrics.TranscodeJobs.WithLabelValues("done").Inc()
	metrics.TranscodeDuration.Observe(p.clock().Sub(start).Seconds())
	p.logger.Info("transcode completed",
		zap.String("session_id", sessionID.String()),
		zap.String("output", outputPath),
		zap.Duration("took", p.clock().Sub(start)))
	return nil
}

// finalize records the artifact, retrying the done transition across brief
// store outages before giving up.
func (p *Processor) finalize(ctx context.Context, sessionID uuid.UUID, outputPath string) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = p.store.MarkDone(ctx, sessionID, outputPath, p.clock()); err == nil {
			return nil
		}
		p.logger.Warn("mark done failed",
			zap.Error(err), zap.Int("attempt", attempt), zap.String("session_id", sessionID.String()))
		time.Sleep(p.doneRetryDelay)
	}
	return err
}

// run performs assembly and transcode for a claimed session and returns the
// final artifact path.
func (p *Processor) run(ctx context.Context, session *models.RecordingSession) (string, error) {
	sid := session.ID.String()
	if session.LastChunkIndex <= 0 {
		return "", errors.New("no chunks uploaded")
	}
	if missing := p.layout.MissingChunk(sid, session.LastChunkIndex); missing >= 0 {
		return "", &AssemblyError{MissingIndex: missing}
	}

	defer func() {
		if err := p.layout.RemoveScratch(sid); err != nil {
			p.logger.Warn("remove scratch failed", zap.Error(err), zap.String("session_id", sid))
		}
	}()

	assembled, err := p.assemble(sid, session.LastChunkIndex)
	if err != nil {
		return "", err
	}

	transcoded := filepath.Join(p.layout.ScratchDir(sid), "output.mp4")
	if err := p.transcoder.Transcode(ctx, assembled, transcoded); err != nil {
		return "", err
	}
	info, err := os.Stat(transcoded)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: produced no output", ErrTranscoderExec)
	}

	final, err := p.layout.PlaceArtifact(sid, transcoded)
	if err != nil {
		return "", err
	}
	p.archiveArtifact(ctx, sid, final)
	return final, nil
}

// assemble byte-concatenates chunk parts in index order into one scratch
// file. Chunks are fragments of one continuous encoder run, so plain
// concatenation reconstructs the original stream; treating them as
// independent files would not.
func (p *Processor) assemble(sessionID string, count int) (string, error) {
	dir := p.layout.ScratchDir(sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("mkdir scratch: %w", err)
	}
	dst := filepath.Join(dir, "input.webm")
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create assembled stream: %w", err)
	}
	defer out.Close()

	for i := 0; i < count; i++ {
		part, err := p.layout.OpenChunk(sessionID, i)
		if err != nil {
			return "", &AssemblyError{MissingIndex: i}
		}
		_, err = io.Copy(out, part)
		part.Close()
		if err != nil {
			return "", fmt.Errorf("append chunk %d: %w", i, err)
		}
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("sync assembled stream: %w", err)
	}
	return dst, nil
}

// archiveArtifact uploads the final file to the archive bucket, best effort.
func (p *Processor) archiveArtifact(ctx context.Context, sessionID, path string) {
	if p.archive == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		p.logger.Warn("open artifact for archive failed", zap.Error(err), zap.String("session_id", sessionID))
		return
	}
	defer f.Close()
	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	if _, err := p.archive.ArchiveArtifact(ctx, sessionID, f, size); err != nil {
		p.logger.Warn("archive artifact failed", zap.Error(err), zap.String("session_id", sessionID))
		return
	}
	p.logger.Info("artifact archived", zap.String("session_id", sessionID))
}

// Run starts the worker loop: dequeue, process, retry transient failures.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("transcode worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("transcode worker stopping")
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}
		if job.Type != queue.JobTypeTranscode {
			p.logger.Warn("unknown job type", zap.String("type", string(job.Type)), zap.String("job_id", job.ID))
			continue
		}

		var payload queue.TranscodePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			p.logger.Warn("invalid transcode payload", zap.Error(err), zap.String("job_id", job.ID))
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID.String()))
		if err := p.Process(ctx, payload.SessionID); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
