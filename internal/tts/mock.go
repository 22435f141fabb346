package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// mockSynth renders a quiet tone whose length follows the text, so the
// playback path can be exercised without a voice engine.
type mockSynth struct {
	sampleRate int
	channels   int
}

const (
	mockToneHz      = 440
	mockPerRune     = 40 * time.Millisecond
	mockMaxDuration = 5 * time.Second
	mockAmplitude   = 0.1
)

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		pcm := m.tone(toneDuration(req.Text))
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
		case chunks <- SynthChunk{
			SessionID:  req.SessionID,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        pcm,
			Final:      true,
		}:
		}
	}()
	return chunks, errs
}

func toneDuration(text string) time.Duration {
	d := time.Duration(len([]rune(text))) * mockPerRune
	if d > mockMaxDuration {
		d = mockMaxDuration
	}
	return d
}

func (m *mockSynth) tone(d time.Duration) []byte {
	frames := int(int64(m.sampleRate) * int64(d) / int64(time.Second))
	out := make([]byte, frames*m.channels*2)
	step := 2 * math.Pi * mockToneHz / float64(m.sampleRate)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(step*float64(i)) * mockAmplitude * math.MaxInt16)
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*m.channels+c)*2:], uint16(v))
		}
	}
	return out
}
