package translation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/events"
	"github.com/loqalabs/loqa-bridge/internal/natsserver"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{
		Enabled:  true,
		Embedded: true,
		Port:     -1,
		StoreDir: t.TempDir(),
	}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "translation-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func pipelineConfig() config.Config {
	cfg := config.Default()
	cfg.Audio.SampleRate = 16000
	cfg.Audio.Channels = 1
	cfg.Audio.FramesPerBuffer = 160
	cfg.Translation.Enabled = true
	cfg.Translation.SegmentMS = 10
	cfg.STT.Enabled = true
	cfg.STT.FrameDurationMS = 2
	cfg.LLM.Enabled = true
	cfg.TTS.Enabled = true
	cfg.TTS.SampleRate = 8000
	return cfg
}

func TestSettingsMergeKeepsExplicitValues(t *testing.T) {
	defaults := Settings{SourceLanguage: "en", TargetLanguage: "es", Voice: "es-ES"}
	got := Settings{TargetLanguage: "fr"}.Merge(defaults)
	want := Settings{SourceLanguage: "en", TargetLanguage: "fr", Voice: "es-ES"}
	if got != want {
		t.Fatalf("merge = %+v, want %+v", got, want)
	}
}

func TestSystemPromptNamesLanguages(t *testing.T) {
	prompt := systemPrompt(Settings{SourceLanguage: "en", TargetLanguage: "de"})
	if !strings.Contains(prompt, "from en to de") {
		t.Fatalf("prompt %q does not name both languages", prompt)
	}
}

func TestPipelineTranslatesMicrophoneAudio(t *testing.T) {
	client := startBus(t)
	backend := patternBackend()
	eventBus := events.NewBus()
	evs, cancelEvents := eventBus.Subscribe(16)
	defer cancelEvents()

	p, err := NewPipeline(context.Background(), pipelineConfig(), client, backend, eventBus, newLogger())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	audioCh := make(chan *nats.Msg, 16)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTTSAudio, audioCh)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	settings := Settings{SourceLanguage: "en", TargetLanguage: "es", Source: testMic}
	if err := p.Start(context.Background(), settings); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })
	sessionID := p.SessionID()
	if sessionID == "" {
		t.Fatalf("running pipeline has no session id")
	}
	if err := p.Start(context.Background(), settings); err != nil || p.SessionID() != sessionID {
		t.Fatalf("second start must be a no-op, got %v", err)
	}

	backend.Tick()

	timeout := time.After(5 * time.Second)
wait:
	for {
		select {
		case msg := <-audioCh:
			var chunk protocol.AudioChunk
			if err := json.Unmarshal(msg.Data, &chunk); err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			if chunk.SessionID != sessionID {
				continue
			}
			if chunk.Target != "bridge" || chunk.SampleRate != 8000 || len(chunk.PCM) == 0 {
				t.Fatalf("unexpected chunk %+v", chunk)
			}
			break wait
		case <-timeout:
			t.Fatalf("no synthesized audio for session %s", sessionID)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-evs:
			if ev.Kind == events.KindProcessing && ev.Attrs["session_id"] == sessionID {
				if !strings.HasPrefix(ev.Attrs["translation"], "[mock translation]") {
					t.Fatalf("unexpected translation %q", ev.Attrs["translation"])
				}
				if err := p.Stop(); err != nil {
					t.Fatalf("stop: %v", err)
				}
				if p.SessionID() != "" || backend.Open() != 0 {
					t.Fatalf("stop left the run behind")
				}
				return
			}
		case <-deadline:
			t.Fatalf("no translation event")
		}
	}
}

func TestPipelineRequiresTargetLanguage(t *testing.T) {
	client := startBus(t)
	cfg := pipelineConfig()
	cfg.Translation.TargetLanguage = ""
	p, err := NewPipeline(context.Background(), cfg, client, patternBackend(), nil, newLogger())
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Start(context.Background(), Settings{}); err == nil {
		t.Fatalf("expected error without a target language")
	}
}

func TestNewPipelineRequiresBus(t *testing.T) {
	if _, err := NewPipeline(context.Background(), pipelineConfig(), nil, patternBackend(), nil, newLogger()); err == nil {
		t.Fatalf("expected error without a bus")
	}
}
