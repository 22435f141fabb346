// Package audio abstracts capture and render device control behind a
// callback-driven Backend.
package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/device"
)

// ErrInvalidDevice is returned when an endpoint cannot be mapped to an
// openable device.
var ErrInvalidDevice = errors.New("invalid device index")

// Format is an interleaved PCM stream format.
type Format struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// FormatFromConfig reads the negotiated format from config.
func FormatFromConfig(cfg config.AudioConfig) Format {
	return Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitsPerSample: cfg.BitsPerSample}
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid format %s", f)
	}
	if f.BitsPerSample != 16 && f.BitsPerSample != 32 {
		return fmt.Errorf("unsupported sample width %d", f.BitsPerSample)
	}
	return nil
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerFrame()
}

// BytesFor returns the frame-aligned byte length of d.
func (f Format) BytesFor(d time.Duration) int {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return frames * f.BytesPerFrame()
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// CaptureFunc receives captured bytes on the backend's audio thread. The
// slice is only valid for the duration of the call.
type CaptureFunc func(data []byte)

// RenderFunc must fill out completely; it runs on the audio thread.
type RenderFunc func(out []byte)

// ErrorFunc reports an asynchronous device failure after Start.
type ErrorFunc func(error)

// Stream is an open device handle.
type Stream interface {
	Start() error
	// Stop halts the stream; no callback runs after it returns.
	Stop() error
	Close() error
}

// Backend opens capture and render streams by device index.
type Backend interface {
	Resolve(ep device.Endpoint) (int, error)
	OpenCapture(index int, format Format, framesPerBuffer int, onData CaptureFunc, onError ErrorFunc) (Stream, error)
	OpenRender(index int, format Format, framesPerBuffer int, pull RenderFunc, onError ErrorFunc) (Stream, error)
}
