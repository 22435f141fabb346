// Package portaudio implements audio.Backend on top of PortAudio, which
// wraps WASAPI on Windows.
package portaudio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/device"
)

// ErrStalled is reported when a started stream stops delivering callbacks,
// which is how an unplugged or reset device shows up.
var ErrStalled = errors.New("audio stream stalled")

const (
	stallTimeout  = 2 * time.Second
	watchInterval = 500 * time.Millisecond
)

// Backend opens PortAudio streams. Device indexes are positions in
// portaudio.Devices(), which is stable for the life of the backend.
type Backend struct {
	mu      sync.Mutex
	devices []*portaudio.DeviceInfo
}

// New initialises PortAudio. Close must be called to release it.
func New() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	devices, err := portaudio.Devices()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("list portaudio devices: %w", err)
	}
	return &Backend{devices: devices}, nil
}

func (b *Backend) Close() error {
	return portaudio.Terminate()
}

// Resolve maps an endpoint to a device by name. WASAPI devices carry the
// full endpoint friendly name and are preferred; other host APIs may
// truncate names so a prefix match is accepted as a fallback.
func (b *Backend) Resolve(ep device.Endpoint) (int, error) {
	if ep.ID == "" || ep.Name == "" {
		return -1, fmt.Errorf("%w: endpoint has no id or name", audio.ErrInvalidDevice)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fallback := -1
	for i, info := range b.devices {
		if !hasChannels(info, ep.Flow) {
			continue
		}
		if info.Name == ep.Name {
			if isWASAPI(info) {
				return i, nil
			}
			if fallback < 0 {
				fallback = i
			}
			continue
		}
		if fallback < 0 && len(info.Name) >= 8 && strings.HasPrefix(ep.Name, info.Name) {
			fallback = i
		}
	}
	if fallback < 0 {
		return -1, fmt.Errorf("%w: no device named %q", audio.ErrInvalidDevice, ep.Name)
	}
	return fallback, nil
}

func (b *Backend) device(index int) (*portaudio.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.devices) {
		return nil, fmt.Errorf("%w: %d", audio.ErrInvalidDevice, index)
	}
	return b.devices[index], nil
}

func (b *Backend) OpenCapture(index int, format audio.Format, framesPerBuffer int, onData audio.CaptureFunc, onError audio.ErrorFunc) (audio.Stream, error) {
	info, err := b.device(index)
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: format.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}
	s := newStream(onError)
	var callback any
	switch format.BitsPerSample {
	case 16:
		callback = func(in []int16) {
			s.beat()
			onData(int16Bytes(in))
		}
	case 32:
		callback = func(in []float32) {
			s.beat()
			onData(float32Bytes(in))
		}
	default:
		return nil, fmt.Errorf("unsupported sample width %d", format.BitsPerSample)
	}
	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: open capture %q: %w", audio.ErrInvalidDevice, info.Name, err)
	}
	s.stream = stream
	return s, nil
}

func (b *Backend) OpenRender(index int, format audio.Format, framesPerBuffer int, pull audio.RenderFunc, onError audio.ErrorFunc) (audio.Stream, error) {
	info, err := b.device(index)
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: format.Channels,
			Latency:  info.DefaultHighOutputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}
	s := newStream(onError)
	var callback any
	switch format.BitsPerSample {
	case 16:
		callback = func(out []int16) {
			s.beat()
			pull(int16Bytes(out))
		}
	case 32:
		callback = func(out []float32) {
			s.beat()
			pull(float32Bytes(out))
		}
	default:
		return nil, fmt.Errorf("unsupported sample width %d", format.BitsPerSample)
	}
	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: open render %q: %w", audio.ErrInvalidDevice, info.Name, err)
	}
	s.stream = stream
	return s, nil
}

// stream adds a stall watchdog to a PortAudio stream, since PortAudio has
// no asynchronous error callback.
type stream struct {
	stream  *portaudio.Stream
	onError audio.ErrorFunc
	last    atomic.Int64
	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

func newStream(onError audio.ErrorFunc) *stream {
	if onError == nil {
		onError = func(error) {}
	}
	return &stream{onError: onError}
}

func (s *stream) beat() {
	s.last.Store(time.Now().UnixNano())
}

func (s *stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.beat()
	if err := s.stream.Start(); err != nil {
		return err
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.watch(s.stop, s.done)
	return nil
}

func (s *stream) watch(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, s.last.Load())) > stallTimeout {
				s.onError(ErrStalled)
				return
			}
		}
	}
}

// Stop blocks until PortAudio has finished the last callback.
func (s *stream) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return s.stream.Stop()
}

func (s *stream) Close() error {
	return errors.Join(s.Stop(), s.stream.Close())
}

func hasChannels(info *portaudio.DeviceInfo, flow device.Flow) bool {
	if flow == device.Capture {
		return info.MaxInputChannels > 0
	}
	return info.MaxOutputChannels > 0
}

func isWASAPI(info *portaudio.DeviceInfo) bool {
	return info.HostApi != nil && info.HostApi.Type == portaudio.WASAPI
}

// int16Bytes reinterprets the callback buffer without copying; the audio
// callback must not allocate. Samples are little-endian on every platform
// WASAPI runs on.
func int16Bytes(s []int16) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*2)
}

func float32Bytes(s []float32) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*4)
}
