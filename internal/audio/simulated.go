package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/device"
)

// SimulatedBackend drives capture and render callbacks from goroutines,
// or from explicit Tick calls when manual. Capture delivers the output of
// Source (silence when nil) and render output is handed to Sink.
type SimulatedBackend struct {
	Source func(index int, buf []byte)
	Sink   func(index int, data []byte)

	mu      sync.Mutex
	manual  bool
	devices map[string]int
	failing map[int]error
	streams map[*simStream]struct{}
}

// NewSimulatedBackend registers eps; device indexes follow argument order.
func NewSimulatedBackend(manual bool, eps ...device.Endpoint) *SimulatedBackend {
	b := &SimulatedBackend{
		manual:  manual,
		devices: make(map[string]int),
		failing: make(map[int]error),
		streams: make(map[*simStream]struct{}),
	}
	for i, ep := range eps {
		b.devices[ep.ID] = i
	}
	return b
}

func (b *SimulatedBackend) Resolve(ep device.Endpoint) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.devices[ep.ID]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrInvalidDevice, ep.ID)
	}
	return idx, nil
}

// FailOpen makes the next opens of index fail with err; nil clears it.
func (b *SimulatedBackend) FailOpen(index int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failing, index)
		return
	}
	b.failing[index] = err
}

// InjectError reports err on every running stream of index.
func (b *SimulatedBackend) InjectError(index int, err error) {
	for _, s := range b.running() {
		if s.index == index {
			s.onError(err)
		}
	}
}

// Tick runs one period of every started stream: captures first, then
// renders. Only meaningful for manual backends.
func (b *SimulatedBackend) Tick() {
	streams := b.running()
	for _, s := range streams {
		if s.capture != nil {
			s.period()
		}
	}
	for _, s := range streams {
		if s.render != nil {
			s.period()
		}
	}
}

// Open reports the number of streams not yet closed.
func (b *SimulatedBackend) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *SimulatedBackend) running() []*simStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*simStream, 0, len(b.streams))
	for s := range b.streams {
		if s.isStarted() {
			out = append(out, s)
		}
	}
	return out
}

func (b *SimulatedBackend) OpenCapture(index int, format Format, framesPerBuffer int, onData CaptureFunc, onError ErrorFunc) (Stream, error) {
	return b.open(index, format, framesPerBuffer, onData, nil, onError)
}

func (b *SimulatedBackend) OpenRender(index int, format Format, framesPerBuffer int, pull RenderFunc, onError ErrorFunc) (Stream, error) {
	return b.open(index, format, framesPerBuffer, nil, pull, onError)
}

func (b *SimulatedBackend) open(index int, format Format, framesPerBuffer int, capture CaptureFunc, render RenderFunc, onError ErrorFunc) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if framesPerBuffer <= 0 {
		return nil, fmt.Errorf("frames per buffer must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failing[index]; err != nil {
		return nil, err
	}
	if index < 0 || index >= len(b.devices) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDevice, index)
	}
	if onError == nil {
		onError = func(error) {}
	}
	s := &simStream{
		backend:  b,
		index:    index,
		buf:      make([]byte, framesPerBuffer*format.BytesPerFrame()),
		interval: time.Duration(framesPerBuffer) * time.Second / time.Duration(format.SampleRate),
		capture:  capture,
		render:   render,
		onError:  onError,
	}
	b.streams[s] = struct{}{}
	return s, nil
}

type simStream struct {
	backend  *SimulatedBackend
	index    int
	buf      []byte
	interval time.Duration
	capture  CaptureFunc
	render   RenderFunc
	onError  ErrorFunc

	mu      sync.Mutex
	cbMu    sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

func (s *simStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *simStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	if s.backend.manual {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	return nil
}

func (s *simStream) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.period()
		}
	}
}

// period runs one callback. cbMu lets Stop wait out an in-flight manual
// tick.
func (s *simStream) period() {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if !s.isStarted() {
		return
	}
	if s.capture != nil {
		if src := s.backend.Source; src != nil {
			src(s.index, s.buf)
		} else {
			clear(s.buf)
		}
		s.capture(s.buf)
		return
	}
	s.render(s.buf)
	if sink := s.backend.Sink; sink != nil {
		sink(s.index, s.buf)
	}
}

func (s *simStream) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	// Wait for a callback that checked started before we cleared it.
	s.cbMu.Lock()
	s.cbMu.Unlock()
	return nil
}

func (s *simStream) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.backend.mu.Lock()
	delete(s.backend.streams, s)
	s.backend.mu.Unlock()
	return nil
}
