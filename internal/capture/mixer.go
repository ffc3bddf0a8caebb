package capture

import (
	"fmt"
	"io"
	"sync"
)

// Mixer sums multiple audio tracks through per-input gain stages into a
// single mono stream. It implements AudioTrack so the encoder sees one
// source regardless of how many devices feed it. Gains are adjustable
// mid-recording.
type Mixer struct {
	mu      sync.Mutex
	inputs  []*mixerInput
	scratch []float64
}

type mixerInput struct {
	name  string
	track AudioTrack
	gain  float64
	done  bool
}

// NewMixer creates an empty mixer.
func NewMixer() *Mixer {
	return &Mixer{}
}

// AddInput registers a named track with an initial gain.
func (m *Mixer) AddInput(name string, track AudioTrack, gain float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, &mixerInput{name: name, track: track, gain: gain})
}

// SetGain adjusts the gain of a named input.
func (m *Mixer) SetGain(name string, gain float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.inputs {
		if in.name == name {
			in.gain = gain
			return nil
		}
	}
	return fmt.Errorf("mixer: no input named %q", name)
}

// ReadSamples mixes one buffer's worth of audio. Output samples are the
// gain-weighted sum of all live inputs, clamped to [-1, 1]. Returns io.EOF
// once every input has ended.
func (m *Mixer) ReadSamples(buf []float64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cap(m.scratch) < len(buf) {
		m.scratch = make([]float64, len(buf))
	}
	scratch := m.scratch[:len(buf)]

	for i := range buf {
		buf[i] = 0
	}

	max := 0
	live := 0
	for _, in := range m.inputs {
		if in.done {
			continue
		}
		n, err := in.track.ReadSamples(scratch)
		if err == io.EOF {
			in.done = true
		} else if err != nil {
			return 0, fmt.Errorf("mixer: read %s: %w", in.name, err)
		} else {
			live++
		}
		for i := 0; i < n; i++ {
			buf[i] += scratch[i] * in.gain
		}
		if n > max {
			max = n
		}
	}
	if live == 0 && max == 0 {
		return 0, io.EOF
	}

	for i := 0; i < max; i++ {
		if buf[i] > 1 {
			buf[i] = 1
		} else if buf[i] < -1 {
			buf[i] = -1
		}
	}
	return max, nil
}

// Close closes every input track.
func (m *Mixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.inputs {
		in.track.Close()
	}
	m.inputs = nil
}
