package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame carries microphone PCM to the recognizer while processing is
// running. Final marks the end of an utterance.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is recognizer output for one utterance.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// LLMRequest asks the generator to translate or complete Prompt.
type LLMRequest struct {
	SessionID   string    `json:"session_id"`
	Prompt      string    `json:"prompt"`
	System      string    `json:"system,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type LLMResponse struct {
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Partial          bool      `json:"partial"`
	TraceID          string    `json:"trace_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

type TTSRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	Target    string `json:"target,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AudioChunk is synthesized speech for Target.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest is the body of a bridge.control.<op> request.
type ControlRequest struct {
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Voice          string `json:"voice,omitempty"`
}

// ControlReply answers a control request. Status is the coordinator status
// after the operation.
type ControlReply struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Status json.RawMessage `json:"status,omitempty"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectTranscriptPartial  = "stt.text.partial"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectLLMRequest         = "llm.request"
	SubjectLLMResponsePartial = "llm.response.partial"
	SubjectLLMResponseFinal   = "llm.response.final"
	SubjectTTSRequest         = "tts.request"
	SubjectTTSAudio           = "tts.audio"
	SubjectTTSDone            = "tts.done"
	SubjectEventPrefix        = "bridge.event"
	SubjectControlPrefix      = "bridge.control"
)

// Control operations, appended to SubjectControlPrefix.
const (
	OpEnable          = "enable"
	OpDisable         = "disable"
	OpStatus          = "status"
	OpProcessingStart = "processing.start"
	OpProcessingStop  = "processing.stop"
)

func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

func EventSubject(kind string) string {
	return SubjectEventPrefix + "." + kind
}

func ControlSubject(op string) string {
	return SubjectControlPrefix + "." + op
}
