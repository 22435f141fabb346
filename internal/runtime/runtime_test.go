package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/control"
	"github.com/loqalabs/loqa-bridge/internal/coordinator"
	"github.com/loqalabs/loqa-bridge/internal/eventstore"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func simulatedConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Enabled = false
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Devices.Source = "simulated"
	cfg.Audio.Backend = "simulated"
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, context.CancelFunc, <-chan error) {
	t.Helper()
	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	select {
	case <-rt.Started():
	case err := <-done:
		cancel()
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("runtime did not start")
	}
	return rt, cancel, done
}

func TestRuntimeSimulatedCycleRestoresOnShutdown(t *testing.T) {
	cfg := simulatedConfig(t)
	rt, cancel, done := startRuntime(t, cfg)

	resp, err := http.Get("http://" + rt.Addr() + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz = %d", resp.StatusCode)
	}

	client := control.NewClient(rt.Addr())
	reply, err := client.Do(context.Background(), protocol.OpEnable, protocol.ControlRequest{})
	if err != nil || !reply.OK {
		t.Fatalf("enable: %+v %v", reply, err)
	}
	var st coordinator.Status
	if err := json.Unmarshal(reply.Status, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Active || len(st.Sessions) != 2 || st.Cable == nil || st.Cable.Rule != "friendly-name" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Snapshot == nil || st.Snapshot.DefaultCapture != "sim-mic" {
		t.Fatalf("snapshot not taken from simulated defaults: %+v", st.Snapshot)
	}

	metrics, err := http.Get("http://" + rt.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	for _, name := range []string{"loqa_bridge_coordinator_state", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics missing %s", name)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop")
	}
	rt.Wait()
	if rt.Coordinator().State() != coordinator.Disabled {
		t.Fatalf("shutdown left state %s", rt.Coordinator().State())
	}

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer store.Close()
	cycles, err := store.Cycles(context.Background(), 10)
	if err != nil {
		t.Fatalf("cycles: %v", err)
	}
	if len(cycles) != 1 || !cycles[0].ReachedActive || cycles[0].EndedAt == nil || cycles[0].ID != st.CycleID {
		t.Fatalf("unexpected journal %+v", cycles)
	}
}

func TestRuntimeEnableFailsWithoutCable(t *testing.T) {
	cfg := simulatedConfig(t)
	cfg.Devices.Simulated = []config.SimulatedDevice{
		{ID: "mic", Name: "Microphone (USB)", Flow: "capture", Default: true},
		{ID: "spk", Name: "Speakers (USB)", Flow: "render", Default: true},
	}
	rt, cancel, done := startRuntime(t, cfg)
	defer func() {
		cancel()
		<-done
	}()

	reply, err := control.NewClient(rt.Addr()).Do(context.Background(), protocol.OpEnable, protocol.ControlRequest{})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if reply.OK || reply.Code != "device_not_found" {
		t.Fatalf("expected device_not_found, got %+v", reply)
	}
}
