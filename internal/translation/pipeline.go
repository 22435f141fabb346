package translation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/events"
	"github.com/loqalabs/loqa-bridge/internal/llm"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/stt"
	"github.com/loqalabs/loqa-bridge/internal/tts"
)

// Pipeline is the bus-backed Hook: a microphone tap feeds the recognizer,
// final transcripts are translated and the translation is synthesized.
// Stages disabled in config are expected to be served by another process
// on the same bus.
type Pipeline struct {
	parent  context.Context
	cfg     config.Config
	bus     *bus.Client
	backend audio.Backend
	events  events.Publisher
	logger  *slog.Logger

	recognizer stt.Recognizer
	generator  llm.Generator
	synth      tts.Synthesizer

	mu  sync.Mutex
	run *pipelineRun
}

type pipelineRun struct {
	sessionID string
	settings  Settings
	stt       *stt.Service
	llm       *llm.Service
	tts       *tts.Service
	relay     *relay
	feeder    *feeder
}

// NewPipeline builds the backends of every enabled stage. Services are
// created per run and bound to ctx, not to the context passed to Start.
func NewPipeline(ctx context.Context, cfg config.Config, busClient *bus.Client, backend audio.Backend, publisher events.Publisher, logger *slog.Logger) (*Pipeline, error) {
	if busClient == nil {
		return nil, errors.New("translation pipeline requires a bus connection")
	}
	if publisher == nil {
		publisher = events.Discard
	}
	p := &Pipeline{
		parent:  ctx,
		cfg:     cfg,
		bus:     busClient,
		backend: backend,
		events:  publisher,
		logger:  logger.With(slog.String("component", "translation")),
	}
	var err error
	if cfg.STT.Enabled {
		if p.recognizer, err = stt.NewRecognizer(cfg.STT); err != nil {
			return nil, fmt.Errorf("init stt: %w", err)
		}
	}
	if cfg.LLM.Enabled {
		if p.generator, err = llm.NewGenerator(cfg.LLM); err != nil {
			return nil, fmt.Errorf("init llm: %w", err)
		}
	}
	if cfg.TTS.Enabled {
		if p.synth, err = tts.NewSynthesizer(cfg.TTS); err != nil {
			return nil, fmt.Errorf("init tts: %w", err)
		}
	}
	return p, nil
}

// SessionID identifies the running processing run; empty when stopped.
func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return ""
	}
	return p.run.sessionID
}

func (p *Pipeline) Start(ctx context.Context, settings Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		return nil
	}
	settings = settings.Merge(SettingsFromConfig(p.cfg.Translation))
	if settings.TargetLanguage == "" {
		return errors.New("target language must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	run := &pipelineRun{sessionID: uuid.NewString(), settings: settings}
	log := p.logger.With(slog.String("session_id", run.sessionID))

	run.tts = tts.NewService(p.parent, p.cfg.TTS, p.bus, p.synth, p.logger)
	run.llm = llm.NewService(p.parent, p.cfg.LLM, p.bus, p.generator, p.logger)
	run.relay = newRelay(p.bus, settings, run.sessionID, p.cfg.LLM.DefaultTier, p.cfg.Translation.Target, p.events, p.logger)
	run.stt = stt.NewService(p.parent, p.cfg.STT, p.bus, p.recognizer, p.logger)

	// Downstream stages first so no message of this run goes unheard.
	if err := run.tts.Start(); err != nil {
		run.close()
		return fmt.Errorf("start tts: %w", err)
	}
	if err := run.llm.Start(); err != nil {
		run.close()
		return fmt.Errorf("start llm: %w", err)
	}
	if err := run.relay.start(); err != nil {
		run.close()
		return fmt.Errorf("start relay: %w", err)
	}
	if err := run.stt.Start(); err != nil {
		run.close()
		return fmt.Errorf("start stt: %w", err)
	}

	if settings.Source.ID == "" {
		log.Warn("no microphone to tap, waiting for audio frames from the bus")
	} else {
		f := newFeeder(feederConfig{
			Backend:   p.backend,
			Format:    audio.FormatFromConfig(p.cfg.Audio),
			Source:    settings.Source,
			SessionID: run.sessionID,
			Language:  settings.SourceLanguage,
			Interval:  time.Duration(p.cfg.STT.FrameDurationMS) * time.Millisecond,
			Segment:   time.Duration(p.cfg.Translation.SegmentMS) * time.Millisecond,
		}, func(frame protocol.AudioFrame) error {
			return p.bus.PublishJSON(protocol.AudioFrameSubject(frame.SessionID), frame)
		}, p.logger)
		if err := f.start(p.parent, p.cfg.Audio.FramesPerBuffer); err != nil {
			run.close()
			return fmt.Errorf("tap microphone: %w", err)
		}
		run.feeder = f
	}

	p.run = run
	log.Info("translation started",
		slog.String("source_language", settings.SourceLanguage),
		slog.String("target_language", settings.TargetLanguage),
		slog.String("voice", settings.Voice),
	)
	return nil
}

func (p *Pipeline) Stop() error {
	p.mu.Lock()
	run := p.run
	p.run = nil
	p.mu.Unlock()
	if run == nil {
		return nil
	}
	err := run.close()
	p.logger.Info("translation stopped", slog.String("session_id", run.sessionID))
	return err
}

// close stops the microphone tap before the services so the last utterance
// is flushed onto the bus.
func (r *pipelineRun) close() error {
	var err error
	if r.feeder != nil {
		err = r.feeder.stop()
	}
	r.stt.Close()
	r.relay.close()
	r.llm.Close()
	r.tts.Close()
	return err
}
