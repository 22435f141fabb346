package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs an external command per request. The request is written
// to stdin as JSON and the command answers with a single JSON object.
type execGenerator struct {
	argv []string
	mu   sync.Mutex
}

type execInput struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Tier        string  `json:"tier,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type execOutput struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command is empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := json.Marshal(execInput{
		Prompt:      req.Prompt,
		System:      req.System,
		Tier:        req.Tier,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return fmt.Errorf("encode llm exec request: %w", err)
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("llm command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return fmt.Errorf("decode llm exec response: %w", err)
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          out.Content,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		Latency:          time.Since(started),
		TraceID:          req.TraceID,
	})
}
