package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipdeck/backend/internal/models"
)

// PartSize is the upload granularity: encoder blobs are re-split into
// parts of at most this size before being sent.
const PartSize = 512 * 1024

// InitResponse is the server's answer to creating an upload session.
type InitResponse struct {
	SessionID   string `json:"session_id"`
	UploadToken string `json:"upload_token"`
	ChunkSizeMs int    `json:"chunk_size_ms"`
}

// UploadAPI is the server's chunked-upload surface as seen by the client.
type UploadAPI interface {
	Init(ctx context.Context) (InitResponse, error)
	UploadChunk(ctx context.Context, sessionID, token string, index int, part []byte) error
	Finish(ctx context.Context, sessionID, token string, lastIndex int, lang string, entries []models.TranscriptEntry) error
}

// PartError records a part that failed to upload.
type PartError struct {
	Index int
	Err   error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("upload part %d: %v", e.Index, e.Err)
}

func (e *PartError) Unwrap() error { return e.Err }

// Uploader streams encoder blobs to the server as indexed parts. Indexes
// are assigned once, in emission order, under the uploader's lock; the
// uploads themselves run concurrently. Finish waits for every in-flight
// part to settle so the server's final index always covers bytes that
// were actually sent.
type Uploader struct {
	api    UploadAPI
	logger *zap.Logger

	mu        sync.Mutex
	sessionID string
	token     string
	chunkMs   int
	next      int
	failed    []*PartError

	wg sync.WaitGroup
}

// NewUploader creates an uploader over the given API.
func NewUploader(api UploadAPI, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{api: api, logger: logger}
}

// Init creates the server-side session and stores its credentials.
func (u *Uploader) Init(ctx context.Context) error {
	resp, err := u.api.Init(ctx)
	if err != nil {
		return fmt.Errorf("init upload session: %w", err)
	}
	u.mu.Lock()
	u.sessionID = resp.SessionID
	u.token = resp.UploadToken
	u.chunkMs = resp.ChunkSizeMs
	u.mu.Unlock()
	return nil
}

// SessionID returns the server session id, empty before Init.
func (u *Uploader) SessionID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID
}

// ChunkSize returns the slice duration the server advertised at init.
// Falls back to one second before Init or when the server sent none.
func (u *Uploader) ChunkSize() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.chunkMs <= 0 {
		return time.Second
	}
	return time.Duration(u.chunkMs) * time.Millisecond
}

// EnqueueBlob splits one encoder blob into parts and uploads them in the
// background. Safe to call from the encoder's emit callback.
func (u *Uploader) EnqueueBlob(ctx context.Context, blob []byte) {
	for off := 0; off < len(blob); off += PartSize {
		end := off + PartSize
		if end > len(blob) {
			end = len(blob)
		}
		part := make([]byte, end-off)
		copy(part, blob[off:end])

		u.mu.Lock()
		idx := u.next
		u.next++
		sid, token := u.sessionID, u.token
		u.mu.Unlock()

		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			if err := u.api.UploadChunk(ctx, sid, token, idx, part); err != nil {
				u.logger.Error("chunk upload failed",
					zap.String("session_id", sid),
					zap.Int("index", idx),
					zap.Error(err))
				u.mu.Lock()
				u.failed = append(u.failed, &PartError{Index: idx, Err: err})
				u.mu.Unlock()
			}
		}()
	}
}

// Wait blocks until every enqueued part has settled. Returns the first
// failure, identifying the part by index, or nil when all landed.
func (u *Uploader) Wait() error {
	u.wg.Wait()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.failed) > 0 {
		return u.failed[0]
	}
	return nil
}

// Finish settles pending parts and then seals the session. Any failed
// part aborts the finish so the server never gets a final index covering
// bytes that were not delivered.
func (u *Uploader) Finish(ctx context.Context, lang string, entries []models.TranscriptEntry) error {
	if err := u.Wait(); err != nil {
		return err
	}
	u.mu.Lock()
	sid, token := u.sessionID, u.token
	last := u.next - 1
	u.mu.Unlock()
	if last < 0 {
		return fmt.Errorf("finish: no parts were uploaded")
	}
	if err := u.api.Finish(ctx, sid, token, last, lang, entries); err != nil {
		return fmt.Errorf("finish upload session: %w", err)
	}
	return nil
}
