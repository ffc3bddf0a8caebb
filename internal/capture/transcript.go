package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipdeck/backend/internal/models"
)

// TranscriptLine is one recognized utterance with its offset into the
// recording.
type TranscriptLine struct {
	At   time.Duration
	Text string
}

// Transcriber is the platform speech-recognition capability. Stream
// delivers lines until the recognizer stops or ctx is cancelled; the
// channel closing without ctx being done means the recognizer gave up
// and should be restarted.
type Transcriber interface {
	Stream(ctx context.Context) (<-chan TranscriptLine, error)
}

const transcriberRestartDelay = 500 * time.Millisecond

// TranscriptCapture buffers recognizer output for the whole recording and
// restarts the recognizer whenever it stops early. Recognition backends
// routinely end sessions after silence; the capture keeps the transcript
// continuous across those restarts.
type TranscriptCapture struct {
	transcriber  Transcriber
	lang         string
	restartDelay time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	entries []models.TranscriptEntry
}

// NewTranscriptCapture creates a capture for the given recognizer.
func NewTranscriptCapture(t Transcriber, lang string, logger *zap.Logger) *TranscriptCapture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscriptCapture{
		transcriber:  t,
		lang:         lang,
		restartDelay: transcriberRestartDelay,
		logger:       logger,
	}
}

// Run consumes the recognizer until ctx is cancelled, restarting it after
// early stops. Blocking; run in its own goroutine.
func (tc *TranscriptCapture) Run(ctx context.Context) {
	for ctx.Err() == nil {
		lines, err := tc.transcriber.Stream(ctx)
		if err != nil {
			tc.logger.Warn("transcriber start failed, retrying", zap.Error(err))
			if !sleepCtx(ctx, tc.restartDelay) {
				return
			}
			continue
		}
		for line := range lines {
			tc.mu.Lock()
			tc.entries = append(tc.entries, models.TranscriptEntry{
				SecondsOffset: line.At.Seconds(),
				Text:          line.Text,
			})
			tc.mu.Unlock()
		}
		if ctx.Err() == nil {
			// Recognizer stopped on its own; restart after a short pause.
			if !sleepCtx(ctx, tc.restartDelay) {
				return
			}
		}
	}
}

// Lang returns the transcript language tag.
func (tc *TranscriptCapture) Lang() string { return tc.lang }

// Entries returns a copy of everything recognized so far.
func (tc *TranscriptCapture) Entries() []models.TranscriptEntry {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]models.TranscriptEntry, len(tc.entries))
	copy(out, tc.entries)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
