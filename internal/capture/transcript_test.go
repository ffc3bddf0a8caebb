package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedTranscriber delivers one batch of lines per Stream call, closing
// the channel after each batch the way recognizers stop after silence.
type scriptedTranscriber struct {
	mu      sync.Mutex
	batches [][]TranscriptLine
	calls   int
}

func (s *scriptedTranscriber) Stream(ctx context.Context) (<-chan TranscriptLine, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()

	ch := make(chan TranscriptLine)
	go func() {
		defer close(ch)
		if call >= len(s.batches) {
			<-ctx.Done()
			return
		}
		for _, line := range s.batches[call] {
			select {
			case ch <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *scriptedTranscriber) streamCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestTranscriptCaptureRestartsAfterEarlyStop(t *testing.T) {
	tr := &scriptedTranscriber{batches: [][]TranscriptLine{
		{{At: time.Second, Text: "hello"}},
		{{At: 3 * time.Second, Text: "world"}},
	}}
	tc := NewTranscriptCapture(tr, "en-US", nil)
	tc.restartDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(tc.Entries()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	entries := tc.Entries()
	require.Equal(t, "hello", entries[0].Text)
	require.InDelta(t, 1.0, entries[0].SecondsOffset, 1e-9)
	require.Equal(t, "world", entries[1].Text)
	require.InDelta(t, 3.0, entries[1].SecondsOffset, 1e-9)
	require.GreaterOrEqual(t, tr.streamCalls(), 2)
}

func TestTranscriptCaptureStopsOnCancel(t *testing.T) {
	tr := &scriptedTranscriber{}
	tc := NewTranscriptCapture(tr, "en-US", nil)
	tc.restartDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.Run(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("capture did not stop on cancel")
	}
	require.Empty(t, tc.Entries())
}
