// Package translation defines the processing stage the coordinator can
// switch on while universal mode is active.
package translation

import (
	"context"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/device"
)

// Settings select the languages and voice of one processing run.
type Settings struct {
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
	Voice          string `json:"voice"`

	// Source is the physical microphone of the active cycle, filled in by
	// the coordinator.
	Source device.Endpoint `json:"-"`
}

// SettingsFromConfig returns the configured defaults.
func SettingsFromConfig(cfg config.TranslationConfig) Settings {
	return Settings{
		SourceLanguage: cfg.SourceLanguage,
		TargetLanguage: cfg.TargetLanguage,
		Voice:          cfg.Voice,
	}
}

// Merge fills empty fields of s from defaults.
func (s Settings) Merge(defaults Settings) Settings {
	if s.SourceLanguage == "" {
		s.SourceLanguage = defaults.SourceLanguage
	}
	if s.TargetLanguage == "" {
		s.TargetLanguage = defaults.TargetLanguage
	}
	if s.Voice == "" {
		s.Voice = defaults.Voice
	}
	return s
}

// Hook starts and stops the processing stage. Start returns an error when
// the stage could not be brought up.
type Hook interface {
	Start(ctx context.Context, settings Settings) error
	Stop() error
}

// NopHook accepts every call and does nothing.
type NopHook struct{}

func (NopHook) Start(context.Context, Settings) error { return nil }

func (NopHook) Stop() error { return nil }
