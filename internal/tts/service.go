package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

const synthTimeout = 45 * time.Second

// Service answers tts.request messages with tts.audio chunks of at most
// ChunkDurationMS each, followed by a tts.done status.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, synthTimeout)
		defer cancel()
		log := s.logger.With(slog.String("session_id", req.SessionID))

		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{SessionID: req.SessionID, Text: req.Text, Voice: req.Voice})
		sequence := 0
		completed := false
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				for _, part := range splitChunk(chunk, s.cfg.ChunkDurationMS) {
					part.Sequence = sequence
					sequence++
					s.publishChunk(req, part)
				}
				completed = completed || chunk.Final
			case err, ok := <-errs:
				if ok && err != nil {
					log.Warn("tts synthesis error", slogError(err))
				}
				errs = nil
			case <-ctx.Done():
				log.Warn("tts synthesis cancelled", slogError(ctx.Err()))
				return
			}
		}
		s.publishDone(req, completed)
	}()
}

// splitChunk cuts chunk into frame-aligned pieces of at most durationMS.
// Only the last piece keeps the Final flag.
func splitChunk(chunk SynthChunk, durationMS int) []SynthChunk {
	frame := chunk.Channels * 2
	limit := chunk.SampleRate * durationMS / 1000 * frame
	if limit <= 0 || len(chunk.PCM) <= limit {
		return []SynthChunk{chunk}
	}
	var parts []SynthChunk
	for off := 0; off < len(chunk.PCM); off += limit {
		end := min(off+limit, len(chunk.PCM))
		part := chunk
		part.PCM = chunk.PCM[off:end]
		part.Final = chunk.Final && end == len(chunk.PCM)
		parts = append(parts, part)
	}
	return parts
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishDone(req protocol.TTSRequest, completed bool) {
	status := protocol.TTSStatus{SessionID: req.SessionID, Target: req.Target, Completed: completed, Timestamp: time.Now().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
