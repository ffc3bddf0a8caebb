package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clipdeck/backend/internal/models"
)

// State is the engine lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateCountdown
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCountdown:
		return "countdown"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotIdle rejects Start while a recording is in progress.
	ErrNotIdle = errors.New("capture: engine is not idle")
	// ErrNotRecording rejects Stop when nothing is being recorded.
	ErrNotRecording = errors.New("capture: engine is not recording")
)

const clickDebounce = 50 * time.Millisecond

// Engine orchestrates one recording at a time: device acquisition, the
// pre-roll countdown, the render/encode loop and the upload session. All
// state transitions happen under the engine mutex; the render loop is the
// only writer to the canvas.
type Engine struct {
	cfg      Config
	acquirer StreamAcquirer
	api      UploadAPI
	logger   *zap.Logger

	newEncoder  func(Config) Encoder
	newClock    func(fps int) FrameClock
	transcriber Transcriber
	lang        string

	mu         sync.Mutex
	state      State
	screen     VideoTrack
	camera     VideoTrack
	mixer      *Mixer
	renderer   *Renderer
	encoder    Encoder
	clock      FrameClock
	uploader   *Uploader
	transcript *TranscriptCapture
	stopTx     context.CancelFunc
	pulses     []ClickPulse
	lastClick  time.Time
	startedAt  time.Time

	stopRender chan struct{}
	renderDone chan struct{}
	audioBuf   []float64
}

// NewEngine creates an idle engine. The encoder factory is invoked per
// recording so each session gets a fresh encoder; when nil, each session
// gets a slice encoder cut at the chunk duration the server advertises.
func NewEngine(cfg Config, acq StreamAcquirer, api UploadAPI, newEncoder func(Config) Encoder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg.withDefaults(),
		acquirer:   acq,
		api:        api,
		logger:     logger,
		newEncoder: newEncoder,
		newClock:   NewTickerClock,
	}
}

// SetTranscriber enables speech transcription for subsequent recordings.
func (e *Engine) SetTranscriber(t Transcriber, lang string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcriber = t
	e.lang = lang
}

// SetClockFactory overrides the render tick source. Test hook.
func (e *Engine) SetClockFactory(f func(fps int) FrameClock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.newClock = f
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetGain adjusts a mixer input ("microphone" or "system") mid-recording.
func (e *Engine) SetGain(input string, gain float64) error {
	e.mu.Lock()
	mixer := e.mixer
	e.mu.Unlock()
	if mixer == nil {
		return ErrNotRecording
	}
	return mixer.SetGain(input, gain)
}

// Start acquires devices, runs the pre-roll countdown and begins
// recording. Cancelling ctx during acquisition or countdown releases
// every track and returns the engine to idle without creating a server
// session. Blocks until recording has begun or the attempt failed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrNotIdle
	}
	e.state = StateCountdown
	e.mu.Unlock()

	if err := e.acquireTracks(ctx); err != nil {
		e.abortStart()
		return err
	}
	if err := e.countdown(ctx); err != nil {
		e.abortStart()
		return err
	}

	// Devices ready and countdown survived: only now does the server
	// learn about the recording.
	uploader := NewUploader(e.api, e.logger)
	if err := uploader.Init(ctx); err != nil {
		e.abortStart()
		return err
	}

	var encoder Encoder
	if e.newEncoder != nil {
		encoder = e.newEncoder(e.cfg)
	} else {
		encoder = NewSliceEncoder(uploader.ChunkSize())
	}
	// Uploads outlive any request-scoped ctx passed to Start; they are
	// settled explicitly in Stop.
	uploadCtx, cancelUploads := context.WithCancel(context.Background())
	if err := encoder.Start(func(blob []byte) {
		uploader.EnqueueBlob(uploadCtx, blob)
	}); err != nil {
		cancelUploads()
		e.abortStart()
		return fmt.Errorf("start encoder: %w", err)
	}

	e.mu.Lock()
	e.uploader = uploader
	e.encoder = encoder
	e.stopTx = cancelUploads
	e.renderer = NewRenderer(e.cfg)
	e.clock = e.newClock(e.cfg.Quality.FPS)
	e.stopRender = make(chan struct{})
	e.renderDone = make(chan struct{})
	e.startedAt = time.Now()
	e.pulses = nil
	e.state = StateRecording

	if e.transcriber != nil {
		tc := NewTranscriptCapture(e.transcriber, e.lang, e.logger)
		tctx, cancelTc := context.WithCancel(context.Background())
		e.transcript = tc
		prevStop := e.stopTx
		e.stopTx = func() { cancelTc(); prevStop() }
		go tc.Run(tctx)
	}
	clock := e.clock
	stop := e.stopRender
	done := e.renderDone
	e.mu.Unlock()

	go e.renderLoop(clock, stop, done)

	e.logger.Info("recording started",
		zap.String("session_id", uploader.SessionID()),
		zap.String("mode", fmt.Sprintf("%d", e.cfg.Mode)))
	return nil
}

// Stop ends the recording: drains the render loop, flushes the encoder,
// waits for every pending upload to settle and seals the server session.
// A failed part upload surfaces here and the session is not finished.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return ErrNotRecording
	}
	e.state = StateStopping
	clock := e.clock
	stop := e.stopRender
	done := e.renderDone
	encoder := e.encoder
	uploader := e.uploader
	transcript := e.transcript
	stopTx := e.stopTx
	e.mu.Unlock()

	close(stop)
	clock.Stop()
	<-done

	var lang string
	var entries []models.TranscriptEntry
	if transcript != nil {
		lang = transcript.Lang()
		entries = transcript.Entries()
	}

	if err := encoder.Flush(); err != nil {
		e.logger.Warn("encoder flush failed", zap.Error(err))
	}
	if err := encoder.Stop(); err != nil {
		e.logger.Warn("encoder stop failed", zap.Error(err))
	}

	finishErr := uploader.Finish(ctx, lang, entries)

	if stopTx != nil {
		stopTx()
	}
	e.releaseTracks()

	e.mu.Lock()
	e.state = StateIdle
	e.uploader = nil
	e.encoder = nil
	e.transcript = nil
	e.stopTx = nil
	e.mu.Unlock()

	if finishErr != nil {
		e.logger.Error("recording finish failed", zap.Error(finishErr))
		return finishErr
	}
	e.logger.Info("recording finished", zap.String("session_id", uploader.SessionID()))
	return nil
}

// RecordClick registers a pointer click at normalized canvas coordinates.
// Ignored outside recording or when click tracking is off; clicks inside
// the debounce window collapse into one pulse.
func (e *Engine) RecordClick(x, y float64) {
	if !e.cfg.TrackClicks {
		return
	}
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRecording {
		return
	}
	if now.Sub(e.lastClick) < clickDebounce {
		return
	}
	e.lastClick = now
	e.pulses = append(e.pulses, ClickPulse{X: clamp01(x), Y: clamp01(y), Start: now})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (e *Engine) acquireTracks(ctx context.Context) error {
	if e.cfg.Mode.NeedsScreen() {
		t, err := e.acquirer.AcquireScreen(ctx)
		if err != nil {
			return &AcquisitionError{Device: "screen", Err: err}
		}
		e.mu.Lock()
		e.screen = t
		e.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.cfg.Mode.NeedsCamera() {
		t, err := e.acquirer.AcquireCamera(ctx)
		if err != nil {
			return &AcquisitionError{Device: "camera", Err: err}
		}
		e.mu.Lock()
		e.camera = t
		e.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mic, err := e.acquirer.AcquireMicrophone(ctx)
	if err != nil {
		return &AcquisitionError{Device: "microphone", Err: err}
	}
	mixer := NewMixer()
	mixer.AddInput("microphone", mic, e.cfg.MicGain)
	if e.cfg.Mode.NeedsScreen() {
		// System audio is best effort: plenty of platforms cannot share it.
		if sys, err := e.acquirer.AcquireSystemAudio(ctx); err == nil {
			mixer.AddInput("system", sys, e.cfg.SystemGain)
		} else {
			e.logger.Warn("system audio unavailable", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.mixer = mixer
	e.mu.Unlock()
	return ctx.Err()
}

// countdown waits PreRollSec steps before recording begins. Cancellation
// here is the user backing out, not a failure.
func (e *Engine) countdown(ctx context.Context) error {
	for i := e.cfg.PreRollSec; i > 0; i-- {
		e.logger.Debug("countdown", zap.Int("remaining", i))
		if !sleepCtx(ctx, e.cfg.countdownStep) {
			return ctx.Err()
		}
	}
	return nil
}

// abortStart releases everything a failed Start acquired and returns the
// engine to idle. No server session exists at any abort point.
func (e *Engine) abortStart() {
	e.releaseTracks()
	e.mu.Lock()
	e.state = StateIdle
	e.uploader = nil
	e.encoder = nil
	e.mu.Unlock()
}

func (e *Engine) releaseTracks() {
	e.mu.Lock()
	screen, camera, mixer := e.screen, e.camera, e.mixer
	e.screen, e.camera, e.mixer = nil, nil, nil
	e.mu.Unlock()
	if screen != nil {
		screen.Close()
	}
	if camera != nil {
		camera.Close()
	}
	if mixer != nil {
		mixer.Close()
	}
}

// renderLoop composes and encodes one frame per clock tick until stopped.
func (e *Engine) renderLoop(clock FrameClock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case now, ok := <-clock.Ticks():
			if !ok {
				return
			}
			e.renderFrame(now)
		}
	}
}

func (e *Engine) renderFrame(now time.Time) {
	e.mu.Lock()
	screen, camera := e.screen, e.camera
	mixer := e.mixer
	renderer := e.renderer
	encoder := e.encoder
	e.pulses = PrunePulses(e.pulses, now)
	pulses := make([]ClickPulse, len(e.pulses))
	copy(pulses, e.pulses)
	at := now.Sub(e.startedAt)
	e.mu.Unlock()

	if encoder == nil {
		return
	}

	if e.cfg.Mode.HasVideo() && renderer != nil {
		sf, cf := imageOrNil(screen), imageOrNil(camera)
		renderer.DrawFrame(sf, cf, pulses, now)
		if err := encoder.WriteFrame(renderer.Canvas(), at); err != nil {
			e.logger.Warn("encode frame failed", zap.Error(err))
		}
	}

	if mixer != nil {
		if e.audioBuf == nil {
			// One tick's worth of 48 kHz mono.
			e.audioBuf = make([]float64, 48000/e.cfg.Quality.FPS)
		}
		n, err := mixer.ReadSamples(e.audioBuf)
		if err == nil && n > 0 {
			if err := encoder.WriteAudio(e.audioBuf[:n], at); err != nil {
				e.logger.Warn("encode audio failed", zap.Error(err))
			}
		}
	}
}

func imageOrNil(t VideoTrack) image.Image {
	if t == nil {
		return nil
	}
	return t.Frame()
}
