package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clipdeck/backend/internal/middleware"
	"github.com/clipdeck/backend/internal/models"
	"github.com/clipdeck/backend/pkg/storage"
)

// fakeStore mirrors the repository's state machine semantics in memory.
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*models.RecordingSession
	transcripts map[uuid.UUID][]models.TranscriptEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:    make(map[uuid.UUID]*models.RecordingSession),
		transcripts: make(map[uuid.UUID][]models.TranscriptEntry),
	}
}

func (s *fakeStore) Create(_ context.Context, userID uuid.UUID, tokenHash string) (*models.RecordingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	session := &models.RecordingSession{
		ID:              uuid.New(),
		UserID:          userID,
		Status:          models.SessionStatusRecording,
		UploadTokenHash: tokenHash,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.sessions[session.ID] = session
	copied := *session
	return &copied, nil
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.RecordingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no rows in result set")
	}
	copied := *session
	return &copied, nil
}

func (s *fakeStore) AdvanceChunkIndex(_ context.Context, id uuid.UUID, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("no rows in result set")
	}
	if index+1 > session.LastChunkIndex {
		session.LastChunkIndex = index + 1
	}
	return nil
}

func (s *fakeStore) MarkFinished(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return false, fmt.Errorf("no rows in result set")
	}
	if session.Status != models.SessionStatusRecording && session.Status != models.SessionStatusFinished {
		return false, nil
	}
	session.Status = models.SessionStatusFinished
	return true, nil
}

func (s *fakeStore) InsertTranscript(_ context.Context, id uuid.UUID, lang string, entries []models.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[id] = entries
	return nil
}

func (s *fakeStore) GetTranscript(_ context.Context, id uuid.UUID) ([]models.TranscriptEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcripts[id], nil
}

func (s *fakeStore) setStatus(id uuid.UUID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id].Status = status
}

func (s *fakeStore) get(id uuid.UUID) models.RecordingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *fakeQueue) EnqueueTranscode(_ context.Context, sessionID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, sessionID)
	return nil
}

type envelope struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   string                 `json:"error"`
}

func newTestRouter(t *testing.T, store *fakeStore, q *fakeQueue, userID uuid.UUID, maxChunkBytes int64) (*gin.Engine, *storage.Layout) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	layout := storage.NewLayout(t.TempDir())
	h := NewHandler(store, layout, q, 1000, maxChunkBytes, nil)

	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(middleware.ContextUserID, userID) })
	api := router.Group("/api")
	h.Register(api)
	return router, layout
}

func doJSON(router *gin.Engine, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(HeaderUploadToken, token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func doChunk(router *gin.Engine, sessionID, token string, index int, payload []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("index", fmt.Sprintf("%d", index))
	fw, _ := mw.CreateFormFile("chunk", "part")
	_, _ = fw.Write(payload)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/recording/"+sessionID+"/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderUploadToken, token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func initSession(t *testing.T, router *gin.Engine) (sessionID, token string) {
	t.Helper()
	w, env := doJSON(router, http.MethodPost, "/api/recording/init", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, env.Success)
	sessionID, _ = env.Data["session_id"].(string)
	token, _ = env.Data["upload_token"].(string)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, token)
	require.EqualValues(t, 1000, env.Data["chunk_size_ms"])
	return sessionID, token
}

func TestRecordingLifecycle(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	userID := uuid.New()
	router, layout := newTestRouter(t, store, q, userID, 1<<20)

	sessionID, token := initSession(t, router)
	sid := uuid.MustParse(sessionID)

	// Token is stored only as a hash.
	require.NotEqual(t, token, store.get(sid).UploadTokenHash)
	require.Equal(t, HashUploadToken(token), store.get(sid).UploadTokenHash)

	for i := 0; i < 3; i++ {
		w := doChunk(router, sessionID, token, i, bytes.Repeat([]byte{byte(i)}, 100))
		require.Equal(t, http.StatusOK, w.Code)
		require.True(t, layout.ChunkExists(sessionID, i))
	}
	require.Equal(t, 3, store.get(sid).LastChunkIndex)

	w, env := doJSON(router, http.MethodPost, "/api/recording/"+sessionID+"/finish", token, FinishRequest{
		LastIndex:      2,
		TranscriptLang: "en-US",
		TranscriptEntries: []models.TranscriptEntry{
			{SecondsOffset: 1.5, Text: "hello"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "queued", env.Data["status"])
	require.Equal(t, models.SessionStatusFinished, store.get(sid).Status)
	require.Equal(t, []uuid.UUID{sid}, q.enqueued)

	w, env = doJSON(router, http.MethodGet, "/api/recording/"+sessionID+"/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.SessionStatusFinished, env.Data["status"])

	w, env = doJSON(router, http.MethodGet, "/api/recording/"+sessionID+"/transcript", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := env.Data["entries"].([]interface{})
	require.Len(t, entries, 1)
}

func TestChunkOutOfOrderKeepsHighWaterMark(t *testing.T) {
	store := newFakeStore()
	router, _ := newTestRouter(t, store, &fakeQueue{}, uuid.New(), 1<<20)
	sessionID, token := initSession(t, router)
	sid := uuid.MustParse(sessionID)

	require.Equal(t, http.StatusOK, doChunk(router, sessionID, token, 5, []byte("late")).Code)
	require.Equal(t, 6, store.get(sid).LastChunkIndex)

	// An earlier index landing afterwards never lowers the mark.
	require.Equal(t, http.StatusOK, doChunk(router, sessionID, token, 2, []byte("early")).Code)
	require.Equal(t, 6, store.get(sid).LastChunkIndex)
}

func TestChunkRejectsBadToken(t *testing.T) {
	store := newFakeStore()
	router, layout := newTestRouter(t, store, &fakeQueue{}, uuid.New(), 1<<20)
	sessionID, _ := initSession(t, router)
	sid := uuid.MustParse(sessionID)

	w := doChunk(router, sessionID, "wrong-token", 0, []byte("data"))
	require.Equal(t, http.StatusForbidden, w.Code)

	// A rejected request mutates nothing.
	require.False(t, layout.ChunkExists(sessionID, 0))
	require.Equal(t, 0, store.get(sid).LastChunkIndex)
}

func TestChunkRejectsNonOwner(t *testing.T) {
	store := newFakeStore()
	owner := uuid.New()
	router, _ := newTestRouter(t, store, &fakeQueue{}, owner, 1<<20)
	sessionID, token := initSession(t, router)

	intruder, layout := newTestRouter(t, store, &fakeQueue{}, uuid.New(), 1<<20)
	w := doChunk(intruder, sessionID, token, 0, []byte("data"))
	require.Equal(t, http.StatusForbidden, w.Code)
	require.False(t, layout.ChunkExists(sessionID, 0))
}

func TestChunkUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore(), &fakeQueue{}, uuid.New(), 1<<20)
	w := doChunk(router, uuid.NewString(), "token", 0, []byte("data"))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestChunkRejectsOversizePart(t *testing.T) {
	store := newFakeStore()
	router, layout := newTestRouter(t, store, &fakeQueue{}, uuid.New(), 64)
	sessionID, token := initSession(t, router)

	w := doChunk(router, sessionID, token, 0, bytes.Repeat([]byte{1}, 65))
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.False(t, layout.ChunkExists(sessionID, 0))
}

func TestChunkConflictsOnceProcessing(t *testing.T) {
	store := newFakeStore()
	router, _ := newTestRouter(t, store, &fakeQueue{}, uuid.New(), 1<<20)
	sessionID, token := initSession(t, router)
	store.setStatus(uuid.MustParse(sessionID), models.SessionStatusProcessing)

	w := doChunk(router, sessionID, token, 0, []byte("data"))
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestLateChunkAfterFinishAccepted(t *testing.T) {
	store := newFakeStore()
	router, layout := newTestRouter(t, store, &fakeQueue{}, uuid.New(), 1<<20)
	sessionID, token := initSession(t, router)
	store.setStatus(uuid.MustParse(sessionID), models.SessionStatusFinished)

	w := doChunk(router, sessionID, token, 0, []byte("late"))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, layout.ChunkExists(sessionID, 0))
}

func TestFinishConflictOnceProcessing(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	router, _ := newTestRouter(t, store, q, uuid.New(), 1<<20)
	sessionID, token := initSession(t, router)
	store.setStatus(uuid.MustParse(sessionID), models.SessionStatusProcessing)

	w, _ := doJSON(router, http.MethodPost, "/api/recording/"+sessionID+"/finish", token, FinishRequest{LastIndex: 0})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Empty(t, q.enqueued)
}

func TestStatusReportsError(t *testing.T) {
	store := newFakeStore()
	router, _ := newTestRouter(t, store, &fakeQueue{}, uuid.New(), 1<<20)
	sessionID, _ := initSession(t, router)
	sid := uuid.MustParse(sessionID)
	store.setStatus(sid, models.SessionStatusError)
	store.mu.Lock()
	store.sessions[sid].ErrorMessage = "missing chunk 3"
	store.mu.Unlock()

	w, env := doJSON(router, http.MethodGet, "/api/recording/"+sessionID+"/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.SessionStatusError, env.Data["status"])
	require.Equal(t, "missing chunk 3", env.Data["error_message"])
}
