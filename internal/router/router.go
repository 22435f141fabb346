// Package router forwards audio from one capture endpoint to one render
// endpoint through a bounded drop-oldest buffer.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/device"
	"github.com/loqalabs/loqa-bridge/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrInvalidDevice is returned when an endpoint cannot be resolved or
	// opened at start.
	ErrInvalidDevice = audio.ErrInvalidDevice
	// ErrSessionExists is returned by Start while a session is running.
	ErrSessionExists = errors.New("routing session already exists")
	// ErrRoutingIO marks an I/O failure on an opened device.
	ErrRoutingIO = errors.New("routing i/o failure")
)

const (
	DefaultLatency         = 3 * time.Second
	DefaultFramesPerBuffer = 480
)

// Direction names which way a router carries audio relative to the user.
type Direction int

const (
	// DirectionCapture carries the physical microphone into the virtual
	// cable's injection side.
	DirectionCapture Direction = iota
	// DirectionRender carries the virtual cable's monitor side to the
	// physical speakers.
	DirectionRender
)

func (d Direction) String() string {
	if d == DirectionCapture {
		return "capture"
	}
	return "render"
}

type Status int32

const (
	StatusIdle Status = iota
	StatusActive
	StatusFailed
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Session is one running source-to-sink route. It stays readable after the
// router has stopped it.
type Session struct {
	ID        string
	Direction Direction
	Source    device.Endpoint
	Sink      device.Endpoint
	Format    audio.Format
	StartedAt time.Time

	ring    *Ring
	status  atomic.Int32
	failure atomic.Value // error
}

func (s *Session) Status() Status { return Status(s.status.Load()) }

// Err returns the I/O failure that moved the session to Failed, if any.
func (s *Session) Err() error {
	if err, ok := s.failure.Load().(error); ok {
		return err
	}
	return nil
}

// Buffered reports the bytes waiting for the sink.
func (s *Session) Buffered() int { return s.ring.Len() }

func (s *Session) Capacity() int { return s.ring.Cap() }

func (s *Session) Dropped() uint64 { return s.ring.Dropped() }

func (s *Session) Underruns() uint64 { return s.ring.Underruns() }

func (s *Session) fail(err error) bool {
	if !s.status.CompareAndSwap(int32(StatusActive), int32(StatusFailed)) {
		return false
	}
	s.failure.Store(err)
	return true
}

type Options struct {
	// Latency sizes the buffer; zero means DefaultLatency.
	Latency         time.Duration
	FramesPerBuffer int
}

type Router struct {
	dir     Direction
	backend audio.Backend
	opts    Options
	events  events.Publisher
	logger  *slog.Logger
	meter   metric.Meter

	mu      sync.Mutex
	session *Session
	capture audio.Stream
	render  audio.Stream
	stopMon chan struct{}
	monDone chan struct{}

	droppedTotal   atomic.Uint64
	underrunsTotal atomic.Uint64
}

func New(dir Direction, backend audio.Backend, opts Options, publisher events.Publisher, logger *slog.Logger) *Router {
	if opts.Latency <= 0 {
		opts.Latency = DefaultLatency
	}
	if opts.FramesPerBuffer <= 0 {
		opts.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if publisher == nil {
		publisher = events.Discard
	}
	r := &Router{
		dir:     dir,
		backend: backend,
		opts:    opts,
		events:  publisher,
		logger:  logger.With(slog.String("component", "router"), slog.String("direction", dir.String())),
		meter:   otel.Meter("github.com/loqalabs/loqa-bridge/router"),
	}
	if err := r.initMetrics(); err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

func (r *Router) Direction() Direction { return r.dir }

// Session returns the running session or nil.
func (r *Router) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// IsActive reports whether a session is running and has not failed.
func (r *Router) IsActive() bool {
	s := r.Session()
	return s != nil && s.Status() == StatusActive
}

// Start opens sink then source and begins forwarding. Both endpoints are
// validated and resolved before any device is opened.
func (r *Router) Start(source, sink device.Endpoint, format audio.Format) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		return nil, ErrSessionExists
	}
	if source.ID == "" || source.Flow != device.Capture {
		return nil, fmt.Errorf("%w: source %s is not a capture endpoint", ErrInvalidDevice, source)
	}
	if sink.ID == "" || sink.Flow != device.Render {
		return nil, fmt.Errorf("%w: sink %s is not a render endpoint", ErrInvalidDevice, sink)
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	srcIdx, err := r.backend.Resolve(source)
	if err != nil {
		return nil, openError("resolve source", source, err)
	}
	sinkIdx, err := r.backend.Resolve(sink)
	if err != nil {
		return nil, openError("resolve sink", sink, err)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Direction: r.dir,
		Source:    source,
		Sink:      sink,
		Format:    format,
		ring:      NewRing(format.BytesFor(r.opts.Latency), format.BytesPerFrame()),
	}
	ring := sess.ring
	failures := make(chan error, 1)
	onError := func(err error) {
		select {
		case failures <- err:
		default:
		}
	}

	render, err := r.backend.OpenRender(sinkIdx, format, r.opts.FramesPerBuffer, func(out []byte) {
		n := ring.Read(out)
		clear(out[n:])
	}, onError)
	if err != nil {
		return nil, openError("open sink", sink, err)
	}
	capture, err := r.backend.OpenCapture(srcIdx, format, r.opts.FramesPerBuffer, ring.Write, onError)
	if err != nil {
		_ = render.Close()
		return nil, openError("open source", source, err)
	}
	if err := render.Start(); err != nil {
		return nil, errors.Join(fmt.Errorf("%w: start sink %s: %w", ErrRoutingIO, sink.Name, err), capture.Close(), render.Close())
	}
	if err := capture.Start(); err != nil {
		return nil, errors.Join(fmt.Errorf("%w: start source %s: %w", ErrRoutingIO, source.Name, err), capture.Close(), render.Close())
	}

	sess.StartedAt = time.Now().UTC()
	sess.status.Store(int32(StatusActive))
	r.session = sess
	r.capture = capture
	r.render = render
	r.stopMon = make(chan struct{})
	r.monDone = make(chan struct{})
	go r.monitor(sess, failures, r.stopMon, r.monDone)

	r.logger.Info("routing started",
		slog.String("session_id", sess.ID),
		slog.String("source", source.Name),
		slog.String("sink", sink.Name),
		slog.String("format", format.String()),
		slog.Int("buffer_bytes", ring.Cap()),
	)
	r.events.Publish(events.Event{
		Kind:    events.KindRouting,
		Message: fmt.Sprintf("%s router active: %s -> %s", r.dir, source.Name, sink.Name),
		Attrs:   map[string]string{"direction": r.dir.String(), "session_id": sess.ID},
	})
	return sess, nil
}

// monitor reports device failures off the audio thread. The session is
// left Failed; recovery belongs to the caller.
func (r *Router) monitor(sess *Session, failures <-chan error, stop, done chan struct{}) {
	defer close(done)
	select {
	case <-stop:
	case err := <-failures:
		err = fmt.Errorf("%w: %w", ErrRoutingIO, err)
		if !sess.fail(err) {
			return
		}
		r.logger.Error("routing failed", slog.String("session_id", sess.ID), slogError(err))
		r.events.Publish(events.Event{
			Kind:    events.KindError,
			Message: fmt.Sprintf("%s router failed", r.dir),
			Err:     err.Error(),
			Attrs:   map[string]string{"direction": r.dir.String(), "session_id": sess.ID},
		})
	}
}

// Stop halts capture before render and releases both devices. It returns
// once no further audio callback can run. Calling Stop without a session
// is a no-op.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.session
	if sess == nil {
		return nil
	}
	close(r.stopMon)
	<-r.monDone

	err := errors.Join(
		r.capture.Stop(),
		r.render.Stop(),
		r.capture.Close(),
		r.render.Close(),
	)
	r.droppedTotal.Add(sess.Dropped())
	r.underrunsTotal.Add(sess.Underruns())
	sess.status.Store(int32(StatusStopped))
	r.session, r.capture, r.render = nil, nil, nil
	r.stopMon, r.monDone = nil, nil

	r.logger.Info("routing stopped",
		slog.String("session_id", sess.ID),
		slog.Uint64("dropped_bytes", sess.Dropped()),
		slog.Uint64("underruns", sess.Underruns()),
	)
	r.events.Publish(events.Event{
		Kind:    events.KindRouting,
		Message: fmt.Sprintf("%s router stopped", r.dir),
		Attrs:   map[string]string{"direction": r.dir.String(), "session_id": sess.ID},
	})
	if err != nil {
		return fmt.Errorf("%w: release %s router: %w", ErrRoutingIO, r.dir, err)
	}
	return nil
}

func (r *Router) initMetrics() error {
	dropped, err := r.meter.Int64ObservableCounter("loqa.bridge.router.dropped_bytes",
		metric.WithDescription("Bytes displaced by buffer overflow"), metric.WithUnit("By"))
	if err != nil {
		return err
	}
	underruns, err := r.meter.Int64ObservableCounter("loqa.bridge.router.underruns",
		metric.WithDescription("Render pulls that found the buffer short"))
	if err != nil {
		return err
	}
	attrs := metric.WithAttributes(attribute.String("direction", r.dir.String()))
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		d, u := r.totals()
		obs.ObserveInt64(dropped, int64(d), attrs)
		obs.ObserveInt64(underruns, int64(u), attrs)
		return nil
	}, dropped, underruns)
	return err
}

func (r *Router) totals() (dropped, underruns uint64) {
	dropped, underruns = r.droppedTotal.Load(), r.underrunsTotal.Load()
	if s := r.Session(); s != nil {
		dropped += s.Dropped()
		underruns += s.Underruns()
	}
	return dropped, underruns
}

func openError(op string, ep device.Endpoint, err error) error {
	if errors.Is(err, ErrInvalidDevice) {
		return fmt.Errorf("%s %s: %w", op, ep.Name, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrInvalidDevice, op, ep.Name, err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
