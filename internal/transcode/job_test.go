package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clipdeck/backend/internal/models"
	"github.com/clipdeck/backend/pkg/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.RecordingSession

	// onClaim runs inside a winning claim, before the row copy is taken.
	onClaim func(*models.RecordingSession)
	// failDone is how many MarkDone calls to reject; -1 rejects forever.
	failDone int
}

func newFakeStore(sessions ...*models.RecordingSession) *fakeStore {
	s := &fakeStore{sessions: make(map[uuid.UUID]*models.RecordingSession)}
	for _, session := range sessions {
		s.sessions[session.ID] = session
	}
	return s
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

// ClaimForProcessing mirrors the repository's single conditional
// UPDATE ... RETURNING: the winner gets the row as of the transition.
func (s *fakeStore) ClaimForProcessing(_ context.Context, id uuid.UUID) (*models.RecordingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.Status != models.SessionStatusFinished {
		return nil, nil
	}
	session.Status = models.SessionStatusProcessing
	if s.onClaim != nil {
		s.onClaim(session)
	}
	copied := *session
	return &copied, nil
}

func (s *fakeStore) MarkDone(_ context.Context, id uuid.UUID, outputPath string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDone != 0 {
		if s.failDone > 0 {
			s.failDone--
		}
		return fmt.Errorf("connection refused")
	}
	session := s.sessions[id]
	session.Status = models.SessionStatusDone
	session.OutputPath = outputPath
	session.ProcessedAt = &processedAt
	return nil
}

func (s *fakeStore) MarkError(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.sessions[id]
	session.Status = models.SessionStatusError
	session.ErrorMessage = msg
	return nil
}

func (s *fakeStore) get(id uuid.UUID) models.RecordingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

// copyTranscoder stands in for ffmpeg: it copies the assembled input to the
// output path.
type copyTranscoder struct {
	mu    sync.Mutex
	runs  int
	delay time.Duration
}

func (t *copyTranscoder) Transcode(_ context.Context, inputPath, outputPath string) error {
	t.mu.Lock()
	t.runs++
	t.mu.Unlock()
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (t *copyTranscoder) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

type failingTranscoder struct{}

func (failingTranscoder) Transcode(context.Context, string, string) error {
	return fmt.Errorf("%w: exit status 1: invalid data", ErrTranscoderExec)
}

func finishedSession(lastIndex int) *models.RecordingSession {
	return &models.RecordingSession{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Status:         models.SessionStatusFinished,
		LastChunkIndex: lastIndex,
	}
}

func writeChunks(t *testing.T, layout *storage.Layout, sessionID string, indexes ...int) {
	t.Helper()
	for _, i := range indexes {
		_, err := layout.WriteChunk(sessionID, i, bytes.NewReader([]byte(fmt.Sprintf("chunk-%d|", i))))
		require.NoError(t, err)
	}
}

func TestProcessAssemblesAndCompletes(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(3)
	store := newFakeStore(session)
	writeChunks(t, layout, session.ID.String(), 0, 1, 2)

	tc := &copyTranscoder{}
	p := NewProcessor(store, layout, tc, nil, nil)

	require.NoError(t, p.Process(context.Background(), session.ID))

	got := store.get(session.ID)
	require.Equal(t, models.SessionStatusDone, got.Status)
	require.Equal(t, layout.ArtifactPath(session.ID.String()), got.OutputPath)
	require.NotNil(t, got.ProcessedAt)

	// Byte concatenation in index order.
	data, err := os.ReadFile(got.OutputPath)
	require.NoError(t, err)
	require.Equal(t, "chunk-0|chunk-1|chunk-2|", string(data))

	// Scratch space is reclaimed after the run.
	_, err = os.Stat(layout.ScratchDir(session.ID.String()))
	require.True(t, os.IsNotExist(err))
}

func TestProcessMissingChunkNamesIndex(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(4)
	store := newFakeStore(session)
	writeChunks(t, layout, session.ID.String(), 0, 1, 3) // 2 never arrived

	p := NewProcessor(store, layout, &copyTranscoder{}, nil, nil)

	// A terminal failure is not a queue error.
	require.NoError(t, p.Process(context.Background(), session.ID))

	got := store.get(session.ID)
	require.Equal(t, models.SessionStatusError, got.Status)
	require.Contains(t, got.ErrorMessage, "missing chunk 2")
}

func TestProcessNoChunksFails(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(0)
	store := newFakeStore(session)

	p := NewProcessor(store, layout, &copyTranscoder{}, nil, nil)
	require.NoError(t, p.Process(context.Background(), session.ID))
	require.Equal(t, models.SessionStatusError, store.get(session.ID).Status)
}

func TestProcessTranscoderFailureMarksError(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(1)
	store := newFakeStore(session)
	writeChunks(t, layout, session.ID.String(), 0)

	p := NewProcessor(store, layout, failingTranscoder{}, nil, nil)
	require.NoError(t, p.Process(context.Background(), session.ID))

	got := store.get(session.ID)
	require.Equal(t, models.SessionStatusError, got.Status)
	require.Contains(t, got.ErrorMessage, "transcoder execution failed")
}

func TestProcessSkipsAlreadyClaimed(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(1)
	session.Status = models.SessionStatusProcessing
	store := newFakeStore(session)

	tc := &copyTranscoder{}
	p := NewProcessor(store, layout, tc, nil, nil)

	require.NoError(t, p.Process(context.Background(), session.ID))
	require.Zero(t, tc.count())
	require.Equal(t, models.SessionStatusProcessing, store.get(session.ID).Status)
}

func TestProcessDuplicateDeliveryRunsOnce(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(2)
	store := newFakeStore(session)
	writeChunks(t, layout, session.ID.String(), 0, 1)

	tc := &copyTranscoder{delay: 10 * time.Millisecond}
	p := NewProcessor(store, layout, tc, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, p.Process(context.Background(), session.ID))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, tc.count())
	require.Equal(t, models.SessionStatusDone, store.get(session.ID).Status)
}

func TestProcessIncludesChunkLandedBeforeClaim(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(2)
	store := newFakeStore(session)
	writeChunks(t, layout, session.ID.String(), 0, 1)

	// A part acknowledged while the session sat in finished lands just as
	// the claim happens. It must be part of the artifact.
	store.onClaim = func(s *models.RecordingSession) {
		writeChunks(t, layout, s.ID.String(), 2)
		s.LastChunkIndex = 3
	}

	p := NewProcessor(store, layout, &copyTranscoder{}, nil, nil)
	require.NoError(t, p.Process(context.Background(), session.ID))

	got := store.get(session.ID)
	require.Equal(t, models.SessionStatusDone, got.Status)
	data, err := os.ReadFile(got.OutputPath)
	require.NoError(t, err)
	require.Equal(t, "chunk-0|chunk-1|chunk-2|", string(data))
}

func TestProcessRetriesDoneTransition(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(1)
	store := newFakeStore(session)
	store.failDone = 1 // first MarkDone fails, retry succeeds
	writeChunks(t, layout, session.ID.String(), 0)

	p := NewProcessor(store, layout, &copyTranscoder{}, nil, nil)
	p.doneRetryDelay = 0

	require.NoError(t, p.Process(context.Background(), session.ID))
	got := store.get(session.ID)
	require.Equal(t, models.SessionStatusDone, got.Status)
	require.NotEmpty(t, got.OutputPath)
}

func TestProcessFinalizeFailureMarksError(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	session := finishedSession(1)
	store := newFakeStore(session)
	store.failDone = -1
	writeChunks(t, layout, session.ID.String(), 0)

	p := NewProcessor(store, layout, &copyTranscoder{}, nil, nil)
	p.doneRetryDelay = 0

	// A redelivery could only hit the already-claimed no-op, so the session
	// must reach a terminal state here rather than via a queue retry.
	require.NoError(t, p.Process(context.Background(), session.ID))
	got := store.get(session.ID)
	require.Equal(t, models.SessionStatusError, got.Status)
	require.Contains(t, got.ErrorMessage, "finalize failed")
}

func TestProcessUnknownSessionIsTransient(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	p := NewProcessor(newFakeStore(), layout, &copyTranscoder{}, nil, nil)
	require.Error(t, p.Process(context.Background(), uuid.New()))
}
