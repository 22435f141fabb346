package translation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/events"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

// relay joins the stages of one processing run: a final transcript of the
// run's session becomes a translation request, and the final translation
// becomes a speech request for the configured target.
type relay struct {
	bus       *bus.Client
	settings  Settings
	sessionID string
	tier      string
	target    string
	events    events.Publisher
	logger    *slog.Logger

	subTranscripts *nats.Subscription
	subLLM         *nats.Subscription
	wg             sync.WaitGroup

	mu      sync.Mutex
	pending map[string]string // trace id -> source text
}

func newRelay(busClient *bus.Client, settings Settings, sessionID, tier, target string, publisher events.Publisher, logger *slog.Logger) *relay {
	return &relay{
		bus:       busClient,
		settings:  settings,
		sessionID: sessionID,
		tier:      tier,
		target:    target,
		events:    publisher,
		logger:    logger.With(slog.String("component", "relay"), slog.String("session_id", sessionID)),
		pending:   make(map[string]string),
	}
}

func (r *relay) start() error {
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, r.handleTranscript)
	if err != nil {
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	r.subTranscripts = sub

	subLLM, err := r.bus.Conn().Subscribe(protocol.SubjectLLMResponseFinal, r.handleLLMResponse)
	if err != nil {
		_ = r.subTranscripts.Drain()
		return fmt.Errorf("subscribe llm responses: %w", err)
	}
	r.subLLM = subLLM
	return nil
}

func (r *relay) close() {
	if r.subTranscripts != nil {
		_ = r.subTranscripts.Drain()
	}
	if r.subLLM != nil {
		_ = r.subLLM.Drain()
	}
	r.wg.Wait()
}

// systemPrompt instructs the generator to translate and nothing else.
func systemPrompt(s Settings) string {
	from := s.SourceLanguage
	if from == "" {
		from = "the detected language"
	}
	return fmt.Sprintf("Translate the user's speech from %s to %s. Reply with the translation only, without notes or quotes.", from, s.TargetLanguage)
}

func (r *relay) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		r.logger.Warn("relay failed to decode transcript", slogError(err))
		return
	}
	if transcript.SessionID != r.sessionID || transcript.Text == "" {
		return
	}

	traceID := fmt.Sprintf("%s-%d", r.sessionID, time.Now().UnixNano())
	r.mu.Lock()
	r.pending[traceID] = transcript.Text
	r.mu.Unlock()

	req := protocol.LLMRequest{
		SessionID: r.sessionID,
		Prompt:    transcript.Text,
		System:    systemPrompt(r.settings),
		Tier:      r.tier,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectLLMRequest, req); err != nil {
		r.logger.Warn("relay failed to publish llm request", slogError(err))
	}
}

func (r *relay) handleLLMResponse(msg *nats.Msg) {
	var resp protocol.LLMResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		r.logger.Warn("relay failed to decode llm response", slogError(err))
		return
	}
	if resp.SessionID != r.sessionID || resp.Content == "" {
		return
	}

	r.mu.Lock()
	source := r.pending[resp.TraceID]
	delete(r.pending, resp.TraceID)
	r.mu.Unlock()

	r.events.Publish(events.Event{
		Kind:    events.KindProcessing,
		Message: "utterance translated",
		Attrs: map[string]string{
			"session_id":  r.sessionID,
			"source_text": source,
			"translation": resp.Content,
		},
	})

	req := protocol.TTSRequest{
		SessionID: r.sessionID,
		Text:      resp.Content,
		Voice:     r.settings.Voice,
		Target:    r.target,
		TraceID:   resp.TraceID,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.bus.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
			r.logger.Warn("relay failed to publish tts request", slogError(err))
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
