package recording

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipdeck/backend/internal/middleware"
	"github.com/clipdeck/backend/internal/models"
	"github.com/clipdeck/backend/pkg/metrics"
	"github.com/clipdeck/backend/pkg/response"
	"github.com/clipdeck/backend/pkg/storage"
)

// HeaderUploadToken carries the per-session bearer secret on chunk/finish calls.
const HeaderUploadToken = "X-Upload-Token"

// SessionStore is the session persistence the handler needs.
type SessionStore interface {
	Create(ctx context.Context, userID uuid.UUID, tokenHash string) (*models.RecordingSession, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.RecordingSession, error)
	AdvanceChunkIndex(ctx context.Context, id uuid.UUID, index int) error
	MarkFinished(ctx context.Context, id uuid.UUID) (bool, error)
	InsertTranscript(ctx context.Context, id uuid.UUID, lang string, entries []models.TranscriptEntry) error
	GetTranscript(ctx context.Context, id uuid.UUID) ([]models.TranscriptEntry, error)
}

// TranscodeEnqueuer hands finished sessions to the asynchronous transcode worker.
type TranscodeEnqueuer interface {
	EnqueueTranscode(ctx context.Context, sessionID uuid.UUID) error
}

// Handler handles the recording HTTP surface.
type Handler struct {
	store         SessionStore
	layout        *storage.Layout
	queue         TranscodeEnqueuer
	archive       *storage.S3
	chunkSizeMs   int
	maxChunkBytes int64
	logger        *zap.Logger
}

// NewHandler creates a recording handler.
func NewHandler(store SessionStore, layout *storage.Layout, queue TranscodeEnqueuer, chunkSizeMs int, maxChunkBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:         store,
		layout:        layout,
		queue:         queue,
		chunkSizeMs:   chunkSizeMs,
		maxChunkBytes: maxChunkBytes,
		logger:        logger,
	}
}

// SetArchive sets the optional S3 archive used for download fallback.
func (h *Handler) SetArchive(s *storage.S3) { h.archive = s }

// Register mounts the recording routes on an authenticated group.
func (h *Handler) Register(api *gin.RouterGroup) {
	api.POST("/recording/init", h.Init)
	api.POST("/recording/:id/chunk", h.Chunk)
	api.POST("/recording/:id/finish", h.Finish)
	api.GET("/recording/:id/status", h.Status)
	api.GET("/recording/:id/download", h.Download)
	api.GET("/recording/:id/transcript", h.Transcript)
}

// Init handles POST /recording/init. Creates a session owned by the caller
// and returns the plaintext upload token exactly once.
func (h *Handler) Init(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	token, hash, err := NewUploadToken()
	if err != nil {
		h.logger.Error("generate upload token failed", zap.Error(err))
		response.Internal(c, "failed to create session")
		return
	}
	session, err := h.store.Create(c.Request.Context(), userID, hash)
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to create session")
		return
	}
	h.logger.Info("recording session created",
		zap.String("session_id", session.ID.String()), zap.String("user_id", userID.String()))
	response.OK(c, gin.H{
		"session_id":    session.ID,
		"upload_token":  token,
		"chunk_size_ms": h.chunkSizeMs,
	})
}

// loadOwned fetches the session and enforces ownership and, when checkToken
// is set, the upload token. Failures respond and return nil; neither failure
// mutates any session state.
func (h *Handler) loadOwned(c *gin.Context, checkToken bool) *models.RecordingSession {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	session, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		response.NotFound(c, "session not found")
		return nil
	}
	if session.UserID != userID {
		response.Forbidden(c, "not the session owner")
		return nil
	}
	if checkToken && !VerifyUploadToken(c.GetHeader(HeaderUploadToken), session.UploadTokenHash) {
		response.Forbidden(c, "invalid upload token")
		return nil
	}
	return session
}

// Chunk handles POST /recording/:id/chunk (multipart: index, chunk).
// Accepted parts land at a deterministic path and advance the high-water
// mark; ordering is not enforced at ingest time.
func (h *Handler) Chunk(c *gin.Context) {
	session := h.loadOwned(c, true)
	if session == nil {
		return
	}
	if !session.CanAcceptChunks() {
		response.Conflict(c, fmt.Sprintf("session is %s", session.Status))
		return
	}

	index, err := strconv.Atoi(c.PostForm("index"))
	if err != nil || index < 0 {
		response.BadRequest(c, "invalid chunk index")
		return
	}
	file, err := c.FormFile("chunk")
	if err != nil {
		response.BadRequest(c, "missing chunk part")
		return
	}
	if file.Size <= 0 {
		response.BadRequest(c, "empty chunk part")
		return
	}
	if file.Size > h.maxChunkBytes {
		response.PayloadTooLarge(c, fmt.Sprintf("chunk exceeds %d bytes", h.maxChunkBytes))
		return
	}

	src, err := file.Open()
	if err != nil {
		response.Internal(c, "failed to read chunk")
		return
	}
	defer src.Close()

	n, err := h.layout.WriteChunk(session.ID.String(), index, src)
	if err != nil {
		h.logger.Error("persist chunk failed", zap.Error(err),
			zap.String("session_id", session.ID.String()), zap.Int("index", index))
		response.Internal(c, "failed to persist chunk")
		return
	}
	// The index is only acknowledged once the part is durably on disk.
	if err := h.store.AdvanceChunkIndex(c.Request.Context(), session.ID, index); err != nil {
		h.logger.Error("advance chunk index failed", zap.Error(err),
			zap.String("session_id", session.ID.String()), zap.Int("index", index))
		response.Internal(c, "failed to record chunk")
		return
	}
	metrics.ChunksIngested.Inc()
	metrics.ChunkBytesIngested.Add(float64(n))
	response.OK(c, gin.H{"ok": true})
}

// FinishRequest is the body for POST /recording/:id/finish.
type FinishRequest struct {
	LastIndex         int                      `json:"last_index"`
	TranscriptLang    string                   `json:"transcript_lang"`
	TranscriptEntries []models.TranscriptEntry `json:"transcript_entries"`
}

// Finish handles POST /recording/:id/finish. Marks the session finished,
// stores the transcript and enqueues the transcode job. Transcoding is
// asynchronous; the response returns immediately.
func (h *Handler) Finish(c *gin.Context) {
	session := h.loadOwned(c, true)
	if session == nil {
		return
	}
	if !session.CanAcceptChunks() {
		response.Conflict(c, fmt.Sprintf("session is %s", session.Status))
		return
	}

	var req FinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	ok, err := h.store.MarkFinished(c.Request.Context(), session.ID)
	if err != nil {
		h.logger.Error("mark finished failed", zap.Error(err), zap.String("session_id", session.ID.String()))
		response.Internal(c, "failed to finish session")
		return
	}
	if !ok {
		response.Conflict(c, "session can no longer be finished")
		return
	}

	if len(req.TranscriptEntries) > 0 {
		if err := h.store.InsertTranscript(c.Request.Context(), session.ID, req.TranscriptLang, req.TranscriptEntries); err != nil {
			// Transcript is descriptive metadata; losing it must not fail the recording.
			h.logger.Warn("store transcript failed", zap.Error(err), zap.String("session_id", session.ID.String()))
		}
	}

	if err := h.queue.EnqueueTranscode(c.Request.Context(), session.ID); err != nil {
		h.logger.Error("enqueue transcode failed", zap.Error(err), zap.String("session_id", session.ID.String()))
		response.Internal(c, "failed to queue transcode")
		return
	}

	h.logger.Info("recording finished",
		zap.String("session_id", session.ID.String()), zap.Int("last_index", req.LastIndex))
	response.OK(c, gin.H{"ok": true, "status": "queued"})
}

// Status handles GET /recording/:id/status.
func (h *Handler) Status(c *gin.Context) {
	session := h.loadOwned(c, false)
	if session == nil {
		return
	}
	body := gin.H{"status": session.Status}
	switch session.Status {
	case models.SessionStatusDone:
		body["download_url"] = fmt.Sprintf("/recording/%s/download", session.ID)
		body["processed_at"] = session.ProcessedAt
	case models.SessionStatusError:
		body["error_message"] = session.ErrorMessage
	}
	response.OK(c, body)
}

// Download handles GET /recording/:id/download. Serves the artifact from
// local disk, falling back to a presigned archive URL when the local file
// was already archived away.
func (h *Handler) Download(c *gin.Context) {
	session := h.loadOwned(c, false)
	if session == nil {
		return
	}
	if session.Status != models.SessionStatusDone || session.OutputPath == "" {
		response.Conflict(c, "recording not ready for download")
		return
	}
	if _, err := os.Stat(session.OutputPath); err == nil {
		c.FileAttachment(session.OutputPath, session.ID.String()+".mp4")
		return
	}
	if h.archive != nil {
		url, err := h.archive.GeneratePresignedDownloadURL(c.Request.Context(), session.ID.String(), h.archive.PresignExpire())
		if err == nil {
			c.Redirect(http.StatusTemporaryRedirect, url)
			return
		}
		h.logger.Error("presign archived artifact failed", zap.Error(err), zap.String("session_id", session.ID.String()))
	}
	response.NotFound(c, "artifact not found")
}

// Transcript handles GET /recording/:id/transcript.
func (h *Handler) Transcript(c *gin.Context) {
	session := h.loadOwned(c, false)
	if session == nil {
		return
	}
	entries, err := h.store.GetTranscript(c.Request.Context(), session.ID)
	if err != nil {
		h.logger.Error("load transcript failed", zap.Error(err), zap.String("session_id", session.ID.String()))
		response.Internal(c, "failed to load transcript")
		return
	}
	response.OK(c, gin.H{"entries": entries})
}
