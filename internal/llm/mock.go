package llm

import (
	"context"
	"strings"
	"time"
)

const mockLatency = 20 * time.Millisecond

// mockGenerator echoes the prompt back as a marked translation.
type mockGenerator struct{}

func NewMockGenerator() Generator { return mockGenerator{} }

func (mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	timer := time.NewTimer(mockLatency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "[mock translation] " + strings.TrimSpace(req.Prompt),
		Latency:   mockLatency,
		TraceID:   req.TraceID,
	})
}
