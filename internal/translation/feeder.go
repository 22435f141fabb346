package translation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/device"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/smallnest/ringbuffer"
)

const feederBacklog = 2 * time.Second

// feeder taps the physical microphone with a second capture stream and
// publishes its audio as 16-bit frames for the recognizer. An utterance is
// closed with a Final frame every segment.
type feeder struct {
	backend  audio.Backend
	format   audio.Format
	source   device.Endpoint
	interval time.Duration
	segment  time.Duration
	publish  func(protocol.AudioFrame) error
	logger   *slog.Logger

	sessionID string
	language  string

	buf     *ringbuffer.RingBuffer
	size    int
	stream  audio.Stream
	overrun atomic.Uint64
	failed  chan error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type feederConfig struct {
	Backend   audio.Backend
	Format    audio.Format
	Source    device.Endpoint
	SessionID string
	Language  string
	Interval  time.Duration
	Segment   time.Duration
}

func newFeeder(cfg feederConfig, publish func(protocol.AudioFrame) error, logger *slog.Logger) *feeder {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Millisecond
	}
	size := max(cfg.Format.BytesFor(feederBacklog), cfg.Format.BytesPerFrame())
	return &feeder{
		backend:   cfg.Backend,
		format:    cfg.Format,
		source:    cfg.Source,
		interval:  cfg.Interval,
		segment:   cfg.Segment,
		publish:   publish,
		logger:    logger.With(slog.String("component", "feeder")),
		sessionID: cfg.SessionID,
		language:  cfg.Language,
		buf:       ringbuffer.New(size),
		size:      size,
		failed:    make(chan error, 1),
	}
}

func (f *feeder) start(parent context.Context, framesPerBuffer int) error {
	if err := f.format.Validate(); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrInvalidDevice, err)
	}
	index, err := f.backend.Resolve(f.source)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", f.source.Name, err)
	}
	stream, err := f.backend.OpenCapture(index, f.format, framesPerBuffer, f.onData, f.onError)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.source.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start %s: %w", f.source.Name, err)
	}
	f.stream = stream

	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel
	f.wg.Add(1)
	go f.run(ctx)
	f.logger.Info("microphone tap started",
		slog.String("session_id", f.sessionID),
		slog.String("device", f.source.Name),
		slog.String("format", f.format.String()),
	)
	return nil
}

// onData runs on the audio thread.
func (f *feeder) onData(data []byte) {
	if _, err := f.buf.Write(data); err != nil {
		f.overrun.Add(1)
	}
}

func (f *feeder) onError(err error) {
	select {
	case f.failed <- err:
	default:
	}
}

func (f *feeder) run(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	frame := f.format.BytesPerFrame()
	scratch := make([]byte, f.size)
	var (
		sequence  int
		segmented time.Duration
	)
	for {
		select {
		case <-ctx.Done():
			f.flush(scratch, frame, &sequence)
			f.emit(nil, &sequence, true)
			return
		case err := <-f.failed:
			f.logger.Warn("microphone tap failed", slogError(err))
			f.emit(nil, &sequence, true)
			return
		case <-ticker.C:
			n := f.flush(scratch, frame, &sequence)
			segmented += time.Duration(n/frame) * time.Second / time.Duration(f.format.SampleRate)
			if f.segment > 0 && segmented >= f.segment {
				f.emit(nil, &sequence, true)
				segmented = 0
			}
		}
	}
}

// flush publishes everything buffered, frame aligned, and returns the
// number of source bytes consumed.
func (f *feeder) flush(scratch []byte, frame int, sequence *int) int {
	avail := f.buf.Length() / frame * frame
	if avail == 0 {
		return 0
	}
	n, err := f.buf.Read(scratch[:avail])
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		f.logger.Warn("microphone tap read failed", slogError(err))
	}
	if n == 0 {
		return 0
	}
	f.emit(toPCM16(scratch[:n], f.format.BitsPerSample), sequence, false)
	return n
}

func (f *feeder) emit(pcm []byte, sequence *int, final bool) {
	frame := protocol.AudioFrame{
		SessionID:  f.sessionID,
		Sequence:   *sequence,
		SampleRate: f.format.SampleRate,
		Channels:   f.format.Channels,
		Language:   f.language,
		PCM:        pcm,
		Final:      final,
	}
	*sequence++
	if err := f.publish(frame); err != nil {
		f.logger.Warn("failed to publish audio frame", slogError(err))
	}
}

func (f *feeder) stop() error {
	var errs []error
	if f.stream != nil {
		errs = append(errs, f.stream.Stop(), f.stream.Close())
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	if n := f.overrun.Load(); n > 0 {
		f.logger.Info("microphone tap dropped audio", slog.Uint64("overruns", n))
	}
	return errors.Join(errs...)
}

// toPCM16 converts captured samples to 16-bit little-endian PCM.
func toPCM16(data []byte, bits int) []byte {
	if bits == 16 {
		return append([]byte(nil), data...)
	}
	out := make([]byte, len(data)/2)
	for i := 0; i+4 <= len(data); i += 4 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i:]))
		v = max(-1, min(1, v))
		binary.LittleEndian.PutUint16(out[i/2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}
