package capture

import (
	"image/color"
	"time"
)

// Mode selects which device streams feed the composition.
type Mode int

const (
	// ModeScreenCamMic composites screen with a camera overlay plus microphone.
	ModeScreenCamMic Mode = iota
	// ModeScreenMic composites screen only plus microphone.
	ModeScreenMic
	// ModeCamMic composites camera full-frame plus microphone.
	ModeCamMic
	// ModeMicOnly records audio only.
	ModeMicOnly
)

// NeedsScreen reports whether the mode requires a screen stream.
func (m Mode) NeedsScreen() bool { return m == ModeScreenCamMic || m == ModeScreenMic }

// NeedsCamera reports whether the mode requires a camera stream.
func (m Mode) NeedsCamera() bool { return m == ModeScreenCamMic || m == ModeCamMic }

// HasVideo reports whether the mode produces any video at all.
func (m Mode) HasVideo() bool { return m != ModeMicOnly }

// CameraLayout selects how the camera is placed when both streams exist.
type CameraLayout int

const (
	// LayoutOverlay draws the camera as a circular overlay in a corner.
	LayoutOverlay CameraLayout = iota
	// LayoutSplit draws screen and camera in two side panels.
	LayoutSplit
)

// QualityPreset bundles frame rate and bitrates handed to the encoder.
type QualityPreset struct {
	FPS          int
	VideoBitrate int // bits per second
	AudioBitrate int // bits per second
}

var (
	QualityLow      = QualityPreset{FPS: 15, VideoBitrate: 1_000_000, AudioBitrate: 64_000}
	QualityStandard = QualityPreset{FPS: 30, VideoBitrate: 2_500_000, AudioBitrate: 128_000}
	QualityHigh     = QualityPreset{FPS: 30, VideoBitrate: 5_000_000, AudioBitrate: 192_000}
)

// Config is the per-recording composition configuration. A value object:
// it is handed to the engine at start and never persisted server-side.
type Config struct {
	Mode         Mode
	CameraLayout CameraLayout
	Quality      QualityPreset
	Width        int
	Height       int
	Background   color.RGBA
	MicGain      float64
	SystemGain   float64
	PreRollSec   int
	TrackClicks  bool

	// countdownStep is the wait per pre-roll second. Overridable in tests.
	countdownStep time.Duration
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.Quality.FPS <= 0 {
		c.Quality = QualityStandard
	}
	if c.MicGain == 0 {
		c.MicGain = 1.0
	}
	if c.SystemGain == 0 {
		c.SystemGain = 1.0
	}
	if c.countdownStep <= 0 {
		c.countdownStep = time.Second
	}
	return c
}
