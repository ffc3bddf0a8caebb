package capture

import (
	"context"
	"fmt"
	"image"
)

// VideoTrack is a live video source. Frame returns the most recent frame,
// or nil before the first one arrives.
type VideoTrack interface {
	Frame() image.Image
	Close()
}

// AudioTrack is a live mono PCM source with samples in [-1, 1].
type AudioTrack interface {
	// ReadSamples fills buf with available samples and returns the count.
	// io.EOF signals the track ended.
	ReadSamples(buf []float64) (int, error)
	Close()
}

// StreamAcquirer requests device streams from the platform. Implementations
// wrap the browser/device runtime; tests use synthetic tracks. Pure I/O,
// no business logic.
type StreamAcquirer interface {
	AcquireScreen(ctx context.Context) (VideoTrack, error)
	AcquireCamera(ctx context.Context) (VideoTrack, error)
	AcquireMicrophone(ctx context.Context) (AudioTrack, error)
	// AcquireSystemAudio is best effort: not every platform exposes it.
	AcquireSystemAudio(ctx context.Context) (AudioTrack, error)
}

// AcquisitionError reports a device or permission failure. It aborts a
// recording before any server-side session exists.
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }
