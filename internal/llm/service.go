package llm

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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const requestTimeout = 60 * time.Second

type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger
	latency   metric.Float64Histogram
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
	latency, err := otel.Meter("github.com/loqalabs/loqa-bridge/llm").Float64Histogram("loqa.bridge.llm.latency",
		metric.WithDescription("Time to a final generator response"), metric.WithUnit("s"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.latency = latency
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe LLM requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()
		log := s.logger.With(slog.String("session_id", req.SessionID))
		options := requestFrom(s.cfg, req)

		start := time.Now()
		err := s.generator.Generate(ctx, options, func(chunk Chunk) error {
			return s.publishChunk(chunk)
		})
		elapsed := time.Since(start)
		if s.latency != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			s.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("tier", options.Tier),
				attribute.String("outcome", outcome),
			))
		}
		if err != nil {
			log.Warn("llm generation failed", slogError(err))
			return
		}
		log.Info("llm generation complete", slog.Duration("latency", elapsed))
	}()
}

func (s *Service) publishChunk(chunk Chunk) error {
	if chunk.Content == "" {
		return nil
	}
	msg := protocol.LLMResponse{
		SessionID:        chunk.SessionID,
		Content:          chunk.Content,
		Partial:          chunk.Partial,
		TraceID:          chunk.TraceID,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		LatencyMS:        chunk.Latency.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
	subject := protocol.SubjectLLMResponsePartial
	if !chunk.Partial {
		subject = protocol.SubjectLLMResponseFinal
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish llm chunk", slogError(err))
		return err
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
