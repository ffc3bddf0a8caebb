package capture

import (
	"image"
	"sync"
	"time"
)

// Encoder compresses the composed canvas and mixed audio into a container
// byte stream, emitting bounded blobs on a fixed time slice so upload can
// proceed while recording continues. Implementations wrap a platform media
// encoder; tests use a synthetic one.
type Encoder interface {
	// Start begins encoding. emit is called with each completed blob and
	// must not be called after Stop returns.
	Start(emit func(data []byte)) error
	// WriteFrame encodes one composed video frame at the given offset.
	WriteFrame(img image.Image, at time.Duration) error
	// WriteAudio encodes mixed mono samples at the given offset.
	WriteAudio(samples []float64, at time.Duration) error
	// Flush emits the final partial slice, if any.
	Flush() error
	Stop() error
}

// SliceEncoder is a reference Encoder that packs raw frame and audio bytes
// into blobs cut on a fixed wall-time slice. It performs no compression;
// it exists so the pipeline can run end to end where no platform encoder
// is available, and as the encoder used by the engine's own tests.
type SliceEncoder struct {
	Slice time.Duration

	mu      sync.Mutex
	emit    func([]byte)
	buf     []byte
	sliceAt time.Duration
	started bool
}

// NewSliceEncoder creates a SliceEncoder cutting blobs every slice.
func NewSliceEncoder(slice time.Duration) *SliceEncoder {
	if slice <= 0 {
		slice = time.Second
	}
	return &SliceEncoder{Slice: slice}
}

func (e *SliceEncoder) Start(emit func(data []byte)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emit = emit
	e.started = true
	e.buf = nil
	e.sliceAt = e.Slice
	return nil
}

func (e *SliceEncoder) WriteFrame(img image.Image, at time.Duration) error {
	if rgba, ok := img.(*image.RGBA); ok {
		return e.write(rgba.Pix, at)
	}
	b := img.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			pix = append(pix, byte(r>>8))
		}
	}
	return e.write(pix, at)
}

func (e *SliceEncoder) WriteAudio(samples []float64, at time.Duration) error {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(s * 32767)
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return e.write(pcm, at)
}

func (e *SliceEncoder) write(data []byte, at time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.buf = append(e.buf, data...)
	for at >= e.sliceAt {
		e.cutLocked()
		e.sliceAt += e.Slice
	}
	return nil
}

func (e *SliceEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cutLocked()
	return nil
}

func (e *SliceEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	return nil
}

func (e *SliceEncoder) cutLocked() {
	if len(e.buf) == 0 || e.emit == nil {
		return
	}
	blob := make([]byte, len(e.buf))
	copy(blob, e.buf)
	e.buf = e.buf[:0]
	e.emit(blob)
}
