package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus moves monotonically along
// recording -> finished -> processing -> done | error.
// No transition re-enters recording.
const (
	SessionStatusRecording  = "recording"
	SessionStatusFinished   = "finished"
	SessionStatusProcessing = "processing"
	SessionStatusDone       = "done"
	SessionStatusError      = "error"
)

// RecordingSession is the authoritative state machine and ownership record
// for one recording. LastChunkIndex is a high-water mark: the highest
// acknowledged chunk index plus one. It tracks progress, not contiguity.
type RecordingSession struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	Status          string     `json:"status"`
	UploadTokenHash string     `json:"-"`
	LastChunkIndex  int        `json:"last_chunk_index"`
	OutputPath      string     `json:"output_path,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CanAcceptChunks reports whether chunk/finish calls are valid for the
// session's current status. Late parts may still land after finish was
// requested, so finished sessions keep accepting.
func (s *RecordingSession) CanAcceptChunks() bool {
	return s.Status == SessionStatusRecording || s.Status == SessionStatusFinished
}

// TranscriptEntry is one timestamped speech-to-text line. Purely descriptive
// metadata; the media pipeline does not depend on it.
type TranscriptEntry struct {
	SecondsOffset float64 `json:"seconds_offset"`
	Text          string  `json:"text"`
}
