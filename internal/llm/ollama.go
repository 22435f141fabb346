package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "llama3.2:latest"

// ollamaGenerator streams completions from the Ollama chat endpoint. The
// system prompt and the utterance travel as separate chat messages.
type ollamaGenerator struct {
	endpoint string
	models   map[string]string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, fastModel, balancedModel string) Generator {
	models := map[string]string{}
	if fastModel != "" {
		models["fast"] = fastModel
	}
	if balancedModel != "" {
		models["balanced"] = balancedModel
	}
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		models:   models,
		client:   &http.Client{},
	}
}

// model picks the tier's model, then balanced, then fast.
func (g *ollamaGenerator) model(tier string) string {
	for _, t := range []string{tier, "balanced", "fast"} {
		if m, ok := g.models[t]; ok {
			return m
		}
	}
	return defaultOllamaModel
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatStreamLine struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	Error           string      `json:"error,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	body, err := json.Marshal(chatRequest{
		Model:    g.model(req.Tier),
		Messages: messages,
		Stream:   true,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return fmt.Errorf("encode ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama returned %s: %s", resp.Status, bytes.TrimSpace(detail))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg chatStreamLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("ollama: %s", msg.Error)
		}
		full.WriteString(msg.Message.Content)
		chunk := Chunk{
			SessionID: req.SessionID,
			Content:   msg.Message.Content,
			Partial:   !msg.Done,
			Latency:   time.Since(started),
			TraceID:   req.TraceID,
		}
		// The final chunk carries the whole completion.
		if msg.Done {
			chunk.Content = full.String()
			chunk.PromptTokens = msg.PromptEvalCount
			chunk.CompletionTokens = msg.EvalCount
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if msg.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ollama stream: %w", err)
	}
	return fmt.Errorf("ollama stream ended without a final message")
}
