package stt

import (
	"context"
	"fmt"
	"time"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

// Transcribe describes the utterance instead of recognizing it.
func (m *mockRecognizer) Transcribe(_ context.Context, u Utterance) (TranscriptResult, error) {
	mode := "partial"
	if u.Final {
		mode = "final"
	}
	var seconds float64
	if bps := u.SampleRate * u.Channels * 2; bps > 0 {
		seconds = float64(len(u.PCM)) / float64(bps)
	}
	return TranscriptResult{
		Text:     fmt.Sprintf("[%s %s utterance %s]", mode, u.Language, time.Duration(seconds*float64(time.Second)).Round(time.Millisecond)),
		Language: u.Language,
	}, nil
}
