package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// requestFrom fills unset fields of a bus request from config defaults.
func requestFrom(cfg config.LLMConfig, msg protocol.LLMRequest) Request {
	req := Request{
		SessionID:   msg.SessionID,
		Prompt:      msg.Prompt,
		System:      msg.System,
		Tier:        msg.Tier,
		MaxTokens:   msg.MaxTokens,
		Temperature: msg.Temperature,
		TraceID:     msg.TraceID,
	}
	if req.Tier == "" {
		req.Tier = cfg.DefaultTier
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = cfg.Temperature
	}
	return req
}

// NewGenerator builds the generator selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
