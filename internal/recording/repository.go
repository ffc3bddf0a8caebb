package recording

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipdeck/backend/internal/models"
)

const sessionColumns = `id, user_id, status, upload_token_hash, last_chunk_index,
	COALESCE(output_path,''), COALESCE(error_message,''), processed_at, created_at, updated_at`

// Repository handles recording session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recording repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSession(row pgx.Row) (*models.RecordingSession, error) {
	var s models.RecordingSession
	err := row.Scan(&s.ID, &s.UserID, &s.Status, &s.UploadTokenHash, &s.LastChunkIndex,
		&s.OutputPath, &s.ErrorMessage, &s.ProcessedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new session in status recording for the owner.
func (r *Repository) Create(ctx context.Context, userID uuid.UUID, tokenHash string) (*models.RecordingSession, error) {
	const q = `INSERT INTO recording_sessions (user_id, upload_token_hash)
		VALUES ($1, $2)
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q, userID, tokenHash))
}

// GetByID returns a session by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.RecordingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM recording_sessions WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, q, id))
}

// AdvanceChunkIndex raises the high-water mark to index+1 if that is higher.
// GREATEST keeps the column non-decreasing under concurrent chunk requests
// without any explicit locking.
func (r *Repository) AdvanceChunkIndex(ctx context.Context, id uuid.UUID, index int) error {
	const q = `UPDATE recording_sessions
		SET last_chunk_index = GREATEST(last_chunk_index, $2), updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, index+1)
	return err
}

// MarkFinished moves the session to finished. Finishing an already finished
// session stays a no-op so a retried finish is safe. Returns false when the
// current status did not allow finishing.
func (r *Repository) MarkFinished(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE recording_sessions
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $2)`
	tag, err := r.pool.Exec(ctx, q, id, models.SessionStatusFinished, models.SessionStatusRecording)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimForProcessing is the single atomic conditional transition
// finished -> processing. Exactly one caller wins and receives the row as
// of the transition, so its chunk high-water mark covers every part
// acknowledged while the session sat in finished. Everyone else gets nil
// and must treat the job as already claimed.
func (r *Repository) ClaimForProcessing(ctx context.Context, id uuid.UUID) (*models.RecordingSession, error) {
	const q = `UPDATE recording_sessions
		SET status = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, models.SessionStatusProcessing, models.SessionStatusFinished))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MarkDone records the finished artifact and moves the session to done.
func (r *Repository) MarkDone(ctx context.Context, id uuid.UUID, outputPath string, processedAt time.Time) error {
	const q = `UPDATE recording_sessions
		SET status = $2, output_path = $3, processed_at = $4, error_message = NULL, updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, models.SessionStatusDone, outputPath, processedAt)
	return err
}

// MarkError moves the session to the terminal error status with a message.
func (r *Repository) MarkError(ctx context.Context, id uuid.UUID, msg string) error {
	const q = `UPDATE recording_sessions
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, models.SessionStatusError, msg)
	return err
}

// InsertTranscript stores the transcript lines supplied at finish time.
// Re-finishing replaces the previous lines.
func (r *Repository) InsertTranscript(ctx context.Context, id uuid.UUID, lang string, entries []models.TranscriptEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM recording_transcripts WHERE session_id = $1`, id); err != nil {
		return err
	}
	for i, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO recording_transcripts (session_id, lang, seconds_offset, line, position)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, lang, e.SecondsOffset, e.Text, i)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetTranscript returns the stored transcript lines in order.
func (r *Repository) GetTranscript(ctx context.Context, id uuid.UUID) ([]models.TranscriptEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT seconds_offset, line FROM recording_transcripts WHERE session_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.TranscriptEntry
	for rows.Next() {
		var e models.TranscriptEntry
		if err := rows.Scan(&e.SecondsOffset, &e.Text); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// ListExpired returns up to limit sessions in the given status whose
// processed_at is older than cutoff. Used by the retention sweep in batches.
func (r *Repository) ListExpired(ctx context.Context, status string, cutoff time.Time, limit int) ([]models.RecordingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM recording_sessions
		WHERE status = $1 AND processed_at IS NOT NULL AND processed_at < $2
		ORDER BY processed_at LIMIT $3`
	rows, err := r.pool.Query(ctx, q, status, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RecordingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// ListExpiredErrors returns error sessions whose last update is older than
// cutoff. Error sessions carry no processed_at, so updated_at orders them.
func (r *Repository) ListExpiredErrors(ctx context.Context, cutoff time.Time, limit int) ([]models.RecordingSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM recording_sessions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at LIMIT $3`
	rows, err := r.pool.Query(ctx, q, models.SessionStatusError, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RecordingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// Delete removes a session row. Transcript rows go with it via the FK cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM recording_sessions WHERE id = $1`, id)
	return err
}
