package capture

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSliceEncoderCutsOnTimeSlice(t *testing.T) {
	e := NewSliceEncoder(time.Second)
	var blobs [][]byte
	require.NoError(t, e.Start(func(b []byte) { blobs = append(blobs, b) }))

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	require.NoError(t, e.WriteFrame(img, 300*time.Millisecond))
	require.Empty(t, blobs)

	// Crossing the slice boundary emits everything buffered so far.
	require.NoError(t, e.WriteFrame(img, 1100*time.Millisecond))
	require.Len(t, blobs, 1)
	require.Len(t, blobs[0], 2*2*4*2)
}

func TestSliceEncoderFlushEmitsPartialSlice(t *testing.T) {
	e := NewSliceEncoder(time.Second)
	var blobs [][]byte
	require.NoError(t, e.Start(func(b []byte) { blobs = append(blobs, b) }))

	require.NoError(t, e.WriteAudio([]float64{0.1, -0.1}, 200*time.Millisecond))
	require.Empty(t, blobs)

	require.NoError(t, e.Flush())
	require.Len(t, blobs, 1)
	require.Len(t, blobs[0], 4)

	// A second flush with nothing buffered emits nothing.
	require.NoError(t, e.Flush())
	require.Len(t, blobs, 1)
	require.NoError(t, e.Stop())
}
