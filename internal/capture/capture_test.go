package capture

// Shared synthetic devices and in-memory upload API for the package tests.

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/clipdeck/backend/internal/models"
)

type fakeVideo struct {
	mu     sync.Mutex
	img    image.Image
	closed bool
}

func newFakeVideo(c color.RGBA, w, h int) *fakeVideo {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return &fakeVideo{img: img}
}

func (v *fakeVideo) Frame() image.Image {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.img
}

func (v *fakeVideo) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

func (v *fakeVideo) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

type fakeAudio struct {
	mu     sync.Mutex
	level  float64
	closed bool
	err    error
}

func (a *fakeAudio) ReadSamples(buf []float64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	for i := range buf {
		buf[i] = a.level
	}
	return len(buf), nil
}

func (a *fakeAudio) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

func (a *fakeAudio) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type fakeAcquirer struct {
	mu          sync.Mutex
	screen      *fakeVideo
	camera      *fakeVideo
	mic         *fakeAudio
	system      *fakeAudio
	screenErr   error
	cameraErr   error
	micErr      error
	systemErr   error
	screenCalls int
}

func newFakeAcquirer() *fakeAcquirer {
	return &fakeAcquirer{
		screen: newFakeVideo(color.RGBA{R: 255, A: 255}, 64, 48),
		camera: newFakeVideo(color.RGBA{G: 255, A: 255}, 32, 32),
		mic:    &fakeAudio{level: 0.5},
		system: &fakeAudio{level: 0.25},
	}
}

func (a *fakeAcquirer) AcquireScreen(context.Context) (VideoTrack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.screenCalls++
	if a.screenErr != nil {
		return nil, a.screenErr
	}
	return a.screen, nil
}

func (a *fakeAcquirer) AcquireCamera(context.Context) (VideoTrack, error) {
	if a.cameraErr != nil {
		return nil, a.cameraErr
	}
	return a.camera, nil
}

func (a *fakeAcquirer) AcquireMicrophone(context.Context) (AudioTrack, error) {
	if a.micErr != nil {
		return nil, a.micErr
	}
	return a.mic, nil
}

func (a *fakeAcquirer) AcquireSystemAudio(context.Context) (AudioTrack, error) {
	if a.systemErr != nil {
		return nil, a.systemErr
	}
	return a.system, nil
}

// memoryAPI is an in-memory UploadAPI recording everything the client sends.
type memoryAPI struct {
	mu        sync.Mutex
	initCalls int
	attempts  int
	parts     map[int][]byte
	finished  bool
	lastIndex int
	lang      string
	entries   []models.TranscriptEntry
	failIndex int // part index to reject, -1 for none
	chunkMs   int // advertised slice duration
}

func newMemoryAPI() *memoryAPI {
	return &memoryAPI{parts: make(map[int][]byte), failIndex: -1, lastIndex: -1, chunkMs: 1000}
}

func (m *memoryAPI) Init(context.Context) (InitResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return InitResponse{SessionID: "session-1", UploadToken: "token-1", ChunkSizeMs: m.chunkMs}, nil
}

func (m *memoryAPI) UploadChunk(_ context.Context, sessionID, token string, index int, part []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if sessionID != "session-1" || token != "token-1" {
		return errors.New("bad credentials")
	}
	if index == m.failIndex {
		return fmt.Errorf("simulated network failure")
	}
	buf := make([]byte, len(part))
	copy(buf, part)
	m.parts[index] = buf
	return nil
}

func (m *memoryAPI) Finish(_ context.Context, sessionID, token string, lastIndex int, lang string, entries []models.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID != "session-1" || token != "token-1" {
		return errors.New("bad credentials")
	}
	m.finished = true
	m.lastIndex = lastIndex
	m.lang = lang
	m.entries = entries
	return nil
}

func (m *memoryAPI) uploadAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *memoryAPI) snapshot() (parts map[int][]byte, finished bool, lastIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts = make(map[int][]byte, len(m.parts))
	for k, v := range m.parts {
		parts[k] = v
	}
	return parts, m.finished, m.lastIndex
}
