package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-bridge/internal/config"
)

// Utterance is buffered microphone audio handed to a recognizer.
type Utterance struct {
	SessionID  string
	PCM        []byte
	SampleRate int
	Channels   int
	Language   string
	Final      bool
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, u Utterance) (TranscriptResult, error)
}

// NewRecognizer builds the recognizer selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
