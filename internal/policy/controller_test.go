package policy

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-bridge/internal/device"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newPolicy() *MemoryPolicy {
	p := NewMemoryPolicy(
		device.Endpoint{ID: "mic", Flow: device.Capture},
		device.Endpoint{ID: "headset-mic", Flow: device.Capture},
		device.Endpoint{ID: "cable-out", Flow: device.Capture},
		device.Endpoint{ID: "speakers", Flow: device.Render},
		device.Endpoint{ID: "headset", Flow: device.Render},
		device.Endpoint{ID: "cable-in", Flow: device.Render},
	)
	p.Assign("mic", device.Capture, Multimedia)
	p.Assign("headset-mic", device.Capture, Communications)
	p.Assign("speakers", device.Render, Multimedia)
	p.Assign("headset", device.Render, Communications)
	return p
}

func TestNewControllerSnapshotsOnce(t *testing.T) {
	p := newPolicy()
	c := NewController(p, newLogger())

	want := Snapshot{
		DefaultCapture:        "mic",
		DefaultRender:         "speakers",
		CommunicationsCapture: "headset-mic",
		CommunicationsRender:  "headset",
	}
	if c.Snapshot() != want {
		t.Fatalf("snapshot = %+v, want %+v", c.Snapshot(), want)
	}

	if err := c.SetDefault("cable-out", device.Capture, true); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if c.Snapshot() != want {
		t.Fatalf("snapshot changed after SetDefault: %+v", c.Snapshot())
	}
}

func TestSetDefaultBothRoles(t *testing.T) {
	p := newPolicy()
	c := NewController(p, newLogger())

	if err := c.SetDefault("cable-in", device.Render, true); err != nil {
		t.Fatalf("set default: %v", err)
	}
	got := p.Assignments()
	if got[Slot{device.Render, Multimedia}] != "cable-in" || got[Slot{device.Render, Communications}] != "cable-in" {
		t.Fatalf("unexpected assignments: %+v", got)
	}
}

func TestSetDefaultMultimediaFailureStops(t *testing.T) {
	p := newPolicy()
	c := NewController(p, newLogger())
	p.FailRole(Multimedia, errors.New("access denied"))

	err := c.SetDefault("cable-in", device.Render, true)
	if !errors.Is(err, ErrPolicyAPI) {
		t.Fatalf("expected ErrPolicyAPI, got %v", err)
	}
	if p.Calls() != 1 {
		t.Fatalf("expected a single policy call, got %d", p.Calls())
	}
	if got := p.Assignments()[Slot{device.Render, Communications}]; got != "headset" {
		t.Fatalf("communications role must be untouched, got %q", got)
	}
}

func TestSetDefaultCommunicationsFailureIsWarning(t *testing.T) {
	p := newPolicy()
	c := NewController(p, newLogger())
	p.FailRole(Communications, errors.New("access denied"))

	if err := c.SetDefault("cable-in", device.Render, true); err != nil {
		t.Fatalf("communications failure must not fail the call: %v", err)
	}
	if got := p.Assignments()[Slot{device.Render, Multimedia}]; got != "cable-in" {
		t.Fatalf("multimedia role not applied, got %q", got)
	}
}

func TestRestoreAttemptsEverySlot(t *testing.T) {
	p := newPolicy()
	c := NewController(p, newLogger())
	_ = c.SetDefault("cable-out", device.Capture, true)
	_ = c.SetDefault("cable-in", device.Render, true)

	p.FailRole(Communications, errors.New("busy"))
	before := p.Calls()
	report := c.Restore()
	if p.Calls()-before != 4 {
		t.Fatalf("expected 4 restore calls, got %d", p.Calls()-before)
	}
	if report.Restored() != 2 {
		t.Fatalf("expected 2 restored slots, got %d (%s)", report.Restored(), report)
	}
	if len(report.Failed()) != 2 {
		t.Fatalf("expected 2 failed slots, got %d", len(report.Failed()))
	}
	if !errors.Is(report.Err(), ErrPolicyAPI) {
		t.Fatalf("expected joined ErrPolicyAPI, got %v", report.Err())
	}
	got := p.Assignments()
	if got[Slot{device.Capture, Multimedia}] != "mic" || got[Slot{device.Render, Multimedia}] != "speakers" {
		t.Fatalf("multimedia slots not restored: %+v", got)
	}

	p.FailRole(Communications, nil)
	if err := c.Restore().Err(); err != nil {
		t.Fatalf("second restore: %v", err)
	}
	got = p.Assignments()
	if got[Slot{device.Capture, Communications}] != "headset-mic" || got[Slot{device.Render, Communications}] != "headset" {
		t.Fatalf("communications slots not restored: %+v", got)
	}
}

func TestRestoreSkipsUnreadableSlots(t *testing.T) {
	p := NewMemoryPolicy(device.Endpoint{ID: "mic", Flow: device.Capture})
	p.Assign("mic", device.Capture, Multimedia)
	c := NewController(p, newLogger())

	report := c.Restore()
	if report.Err() != nil {
		t.Fatalf("unexpected error: %v", report.Err())
	}
	skipped := 0
	for _, res := range report.Results {
		if res.Skipped {
			skipped++
		}
	}
	if skipped != 3 || report.Restored() != 1 {
		t.Fatalf("expected 3 skipped and 1 restored, got %s", report)
	}
}

func TestSetDefaultUnknownEndpoint(t *testing.T) {
	c := NewController(newPolicy(), newLogger())
	err := c.SetDefault("missing", device.Render, false)
	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !errors.Is(err, ErrPolicyAPI) {
		t.Fatalf("expected ErrPolicyAPI, got %v", err)
	}
}
