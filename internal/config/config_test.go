package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.BufferMS != 3000 {
		t.Fatalf("expected 3000ms buffer budget, got %d", cfg.Audio.BufferMS)
	}
	if cfg.Devices.Source != "system" {
		t.Fatalf("expected system device source, got %q", cfg.Devices.Source)
	}
	if filepath.Base(cfg.EventStore.Path) != "loqa-bridge.db" || !filepath.IsAbs(cfg.EventStore.Path) {
		t.Fatalf("expected event store under the user data dir, got %q", cfg.EventStore.Path)
	}
	if cfg.Translation.SegmentMS != 4000 {
		t.Fatalf("expected 4000ms segments, got %d", cfg.Translation.SegmentMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_AUDIO_BACKEND", "simulated")
	t.Setenv("LOQA_AUDIO_SAMPLE_RATE", "44100")
	t.Setenv("LOQA_AUDIO_BUFFER_MS", "1500")
	t.Setenv("LOQA_POLICY_RESTORE_TIMEOUT_MS", "2500")
	t.Setenv("LOQA_TRANSLATION_TARGET_LANGUAGE", "de")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.Audio.Backend != "simulated" {
		t.Fatalf("expected audio backend override, got %q", cfg.Audio.Backend)
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Fatalf("expected sample rate override, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.BufferMS != 1500 {
		t.Fatalf("expected buffer override, got %d", cfg.Audio.BufferMS)
	}
	if cfg.Policy.RestoreTimeoutMS != 2500 {
		t.Fatalf("expected restore timeout override, got %d", cfg.Policy.RestoreTimeoutMS)
	}
	if cfg.Translation.TargetLanguage != "de" {
		t.Fatalf("expected target language override, got %q", cfg.Translation.TargetLanguage)
	}
}

func TestLoadSimulatedDevicesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	data := []byte(`audio:
  backend: simulated
devices:
  source: simulated
  simulated:
    - id: mic-1
      name: Realtek Mic
      flow: capture
      default: true
    - id: cable-out
      name: CABLE Output (VB-Audio Virtual Cable)
      flow: capture
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices.Simulated) != 2 {
		t.Fatalf("expected 2 simulated devices, got %d", len(cfg.Devices.Simulated))
	}
	if !cfg.Devices.Simulated[0].Default {
		t.Fatalf("expected first device to be default")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Audio.Backend = "alsa" }},
		{"tiny buffer", func(c *Config) { c.Audio.BufferMS = 10 }},
		{"bad bit depth", func(c *Config) { c.Audio.BitsPerSample = 24 }},
		{"unknown device source", func(c *Config) { c.Devices.Source = "usb" }},
		{"simulated device without flow", func(c *Config) {
			c.Devices.Source = "simulated"
			c.Devices.Simulated = []SimulatedDevice{{ID: "x"}}
		}},
		{"zero restore timeout", func(c *Config) { c.Policy.RestoreTimeoutMS = 0 }},
		{"translation without bus", func(c *Config) {
			c.Translation.Enabled = true
			c.Bus.Enabled = false
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
