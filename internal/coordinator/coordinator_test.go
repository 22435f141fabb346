package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/device"
	"github.com/loqalabs/loqa-bridge/internal/events"
	"github.com/loqalabs/loqa-bridge/internal/policy"
	"github.com/loqalabs/loqa-bridge/internal/router"
	"github.com/loqalabs/loqa-bridge/internal/translation"
)

var (
	realtekMic      = device.Endpoint{ID: "realtek-mic", Name: "Realtek Mic", Description: "Realtek High Definition Audio", Flow: device.Capture, State: device.StateActive}
	cableOutput     = device.Endpoint{ID: "cable-out", Name: "CABLE Output", Description: "VB-Audio Virtual Cable", Flow: device.Capture, State: device.StateActive}
	realtekSpeakers = device.Endpoint{ID: "realtek-spk", Name: "Realtek Speakers", Description: "Realtek High Definition Audio", Flow: device.Render, State: device.StateActive}
	cableInput      = device.Endpoint{ID: "cable-in", Name: "CABLE Input", Description: "VB-Audio Virtual Cable", Flow: device.Render, State: device.StateActive}
	cableInput16    = device.Endpoint{ID: "cable-in-16", Name: "CABLE In 16ch", Description: "VB-Audio Virtual Cable", Flow: device.Render, State: device.StateActive}

	allEndpoints = []device.Endpoint{realtekMic, cableOutput, realtekSpeakers, cableInput16, cableInput}
	format       = audio.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeHook struct {
	mu       sync.Mutex
	starts   int
	stops    int
	settings translation.Settings
	startErr error
	stopErr  error
}

func (h *fakeHook) Start(_ context.Context, s translation.Settings) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.starts++
	h.settings = s
	return nil
}

func (h *fakeHook) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	return h.stopErr
}

func (h *fakeHook) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.stops
}

// gatedEnumerator blocks the first enumeration until released.
type gatedEnumerator struct {
	device.Enumerator
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedEnumerator(inner device.Enumerator) *gatedEnumerator {
	return &gatedEnumerator{Enumerator: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedEnumerator) Endpoints(ctx context.Context, flow device.Flow) ([]device.Endpoint, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Enumerator.Endpoints(ctx, flow)
}

type fixture struct {
	enum    *device.StaticEnumerator
	policy  *policy.MemoryPolicy
	backend *audio.SimulatedBackend
	hook    *fakeHook
	bus     *events.Bus
	coord   *Coordinator
}

func newFixture(t *testing.T, eps ...device.Endpoint) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, eps...)
}

func newFixtureWith(t *testing.T, wrap func(device.Enumerator) device.Enumerator, eps ...device.Endpoint) *fixture {
	t.Helper()
	f := &fixture{
		enum:    device.NewStaticEnumerator(eps...),
		policy:  policy.NewMemoryPolicy(eps...),
		backend: audio.NewSimulatedBackend(true, eps...),
		hook:    &fakeHook{},
		bus:     events.NewBus(),
	}
	f.policy.Assign(realtekMic.ID, device.Capture, policy.Multimedia, policy.Communications)
	f.policy.Assign(realtekSpeakers.ID, device.Render, policy.Multimedia, policy.Communications)

	var enum device.Enumerator = f.enum
	if wrap != nil {
		enum = wrap(enum)
	}
	f.coord = New(Deps{
		Catalog: device.NewCatalog(enum, device.DefaultRules...),
		Policy:  f.policy,
		Backend: f.backend,
		Hook:    f.hook,
		Events:  f.bus,
	}, Options{Format: format}, newLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.coord.Close(ctx)
	})
	return f
}

func TestEnableDisableScenario(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	before := f.policy.Assignments()
	ctx := context.Background()

	if err := f.coord.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if f.coord.State() != Active || !f.coord.IsActive() || !f.coord.IsRouting() {
		t.Fatalf("expected active routing, state %s", f.coord.State())
	}
	got := f.policy.Assignments()
	for _, role := range []policy.Role{policy.Multimedia, policy.Communications} {
		if got[policy.Slot{Flow: device.Capture, Role: role}] != cableOutput.ID {
			t.Fatalf("default %s capture = %q, want CABLE Output", role, got[policy.Slot{Flow: device.Capture, Role: role}])
		}
		if got[policy.Slot{Flow: device.Render, Role: role}] != cableInput.ID {
			t.Fatalf("default %s render = %q, want CABLE Input", role, got[policy.Slot{Flow: device.Render, Role: role}])
		}
	}

	sessions := f.coord.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	captureSess, renderSess := sessions[0], sessions[1]
	if captureSess.Source.ID != realtekMic.ID || captureSess.Sink.ID != cableInput.ID {
		t.Fatalf("capture session routes %s -> %s", captureSess.Source.ID, captureSess.Sink.ID)
	}
	if renderSess.Source.ID != cableOutput.ID || renderSess.Sink.ID != realtekSpeakers.ID {
		t.Fatalf("render session routes %s -> %s", renderSess.Source.ID, renderSess.Sink.ID)
	}
	for _, s := range sessions {
		if s.Status() != router.StatusActive {
			t.Fatalf("%s session is %s", s.Direction, s.Status())
		}
	}
	f.backend.Tick()

	if err := f.coord.Disable(ctx); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if f.coord.State() != Disabled || f.coord.IsRouting() {
		t.Fatalf("expected disabled, state %s", f.coord.State())
	}
	assertAssignments(t, f.policy.Assignments(), before)
	for _, s := range sessions {
		if s.Status() != router.StatusStopped {
			t.Fatalf("%s session is %s after disable", s.Direction, s.Status())
		}
	}
	if f.backend.Open() != 0 {
		t.Fatalf("expected all streams closed, got %d", f.backend.Open())
	}
}

func TestRestoresAssignmentsFromBeforeFirstEnable(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	before := f.policy.Assignments()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.coord.Enable(ctx); err != nil {
			t.Fatalf("enable %d: %v", i, err)
		}
		if err := f.coord.Disable(ctx); err != nil {
			t.Fatalf("disable %d: %v", i, err)
		}
		assertAssignments(t, f.policy.Assignments(), before)
	}

	// A change made between cycles is not captured again.
	f.policy.Assign(cableInput16.ID, device.Render, policy.Multimedia)
	if err := f.coord.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := f.coord.Disable(ctx); err != nil {
		t.Fatalf("disable: %v", err)
	}
	assertAssignments(t, f.policy.Assignments(), before)
}

func TestEnableWhileActiveIsNoop(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	ctx := context.Background()
	if err := f.coord.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	first := f.coord.Sessions()
	calls := f.policy.Calls()

	if err := f.coord.Enable(ctx); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	second := f.coord.Sessions()
	if len(second) != 2 || first[0] != second[0] || first[1] != second[1] {
		t.Fatalf("second enable replaced routing sessions")
	}
	if f.backend.Open() != 4 {
		t.Fatalf("expected 4 open streams, got %d", f.backend.Open())
	}
	if f.policy.Calls() != calls {
		t.Fatalf("second enable issued policy calls")
	}
}

func TestDisableWhileDisabledIsNoop(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	if err := f.coord.Disable(context.Background()); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if f.policy.Calls() != 0 {
		t.Fatalf("expected no policy calls, got %d", f.policy.Calls())
	}
	if f.coord.State() != Disabled {
		t.Fatalf("expected disabled, got %s", f.coord.State())
	}
}

func TestEnableDeviceNotFound(t *testing.T) {
	cases := []struct {
		name      string
		endpoints []device.Endpoint
	}{
		{name: "no cable", endpoints: []device.Endpoint{realtekMic, realtekSpeakers}},
		{name: "only 16ch cable input", endpoints: []device.Endpoint{realtekMic, cableOutput, realtekSpeakers, cableInput16}},
		{name: "no physical microphone", endpoints: []device.Endpoint{cableOutput, realtekSpeakers, cableInput}},
		{name: "no physical speakers", endpoints: []device.Endpoint{realtekMic, cableOutput, cableInput}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.endpoints...)
			before := f.policy.Assignments()

			err := f.coord.Enable(context.Background())
			if !errors.Is(err, ErrDeviceNotFound) {
				t.Fatalf("expected ErrDeviceNotFound, got %v", err)
			}
			if f.coord.State() != Disabled {
				t.Fatalf("expected disabled, got %s", f.coord.State())
			}
			if f.policy.Calls() != 0 {
				t.Fatalf("discovery failure issued %d policy calls", f.policy.Calls())
			}
			assertAssignments(t, f.policy.Assignments(), before)
			if f.backend.Open() != 0 {
				t.Fatalf("discovery failure opened %d streams", f.backend.Open())
			}
		})
	}
}

func TestEnumerationErrorIsDeviceNotFound(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	f.enum.Fail(errors.New("audio service unavailable"))
	if err := f.coord.Enable(context.Background()); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestConcurrentTransitionsConflict(t *testing.T) {
	var gated *gatedEnumerator
	f := newFixtureWith(t, func(inner device.Enumerator) device.Enumerator {
		gated = newGatedEnumerator(inner)
		return gated
	}, allEndpoints...)
	ctx := context.Background()

	result := make(chan error, 1)
	go func() { result <- f.coord.Enable(ctx) }()
	<-gated.entered

	if f.coord.State() != Detecting {
		t.Fatalf("expected detecting during discovery, got %s", f.coord.State())
	}
	if err := f.coord.Enable(ctx); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("concurrent enable: expected ErrStateConflict, got %v", err)
	}
	if err := f.coord.Disable(ctx); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("concurrent disable: expected ErrStateConflict, got %v", err)
	}
	if err := f.coord.StartProcessing(ctx, translation.Settings{}); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("concurrent start processing: expected ErrStateConflict, got %v", err)
	}

	close(gated.release)
	if err := <-result; err != nil {
		t.Fatalf("first enable: %v", err)
	}
	if f.coord.State() != Active || len(f.coord.Sessions()) != 2 {
		t.Fatalf("expected one active pair of sessions")
	}
}

func TestConcurrentEnableExactlyOneWins(t *testing.T) {
	var gated *gatedEnumerator
	f := newFixtureWith(t, func(inner device.Enumerator) device.Enumerator {
		gated = newGatedEnumerator(inner)
		return gated
	}, allEndpoints...)
	ctx := context.Background()

	const callers = 8
	results := make(chan error, callers)
	go func() { results <- f.coord.Enable(ctx) }()
	<-gated.entered
	for i := 1; i < callers; i++ {
		go func() { results <- f.coord.Enable(ctx) }()
	}
	var conflicts int
	for i := 1; i < callers; i++ {
		if err := <-results; errors.Is(err, ErrStateConflict) {
			conflicts++
		}
	}
	close(gated.release)
	if err := <-results; err != nil {
		t.Fatalf("winning enable: %v", err)
	}
	if conflicts != callers-1 {
		t.Fatalf("expected %d conflicts, got %d", callers-1, conflicts)
	}
}

func TestRouterStartFailureRollsBack(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	before := f.policy.Assignments()
	// The render-direction router opens the cable's capture side.
	f.backend.FailOpen(1, errors.New("device in use"))

	err := f.coord.Enable(context.Background())
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
	if f.coord.State() != Disabled || f.coord.IsRouting() {
		t.Fatalf("expected disabled after rollback, got %s", f.coord.State())
	}
	if len(f.coord.Sessions()) != 0 {
		t.Fatalf("rollback left sessions running")
	}
	if f.backend.Open() != 0 {
		t.Fatalf("rollback left %d streams open", f.backend.Open())
	}
	assertAssignments(t, f.policy.Assignments(), before)

	f.backend.FailOpen(1, nil)
	if err := f.coord.Enable(context.Background()); err != nil {
		t.Fatalf("enable after rollback: %v", err)
	}
}

func TestPolicyFailureRollsBack(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	before := f.policy.Assignments()
	f.policy.FailRole(policy.Multimedia, errors.New("access denied"))

	err := f.coord.Enable(context.Background())
	if !errors.Is(err, ErrPolicyAPI) {
		t.Fatalf("expected ErrPolicyAPI, got %v", err)
	}
	if f.coord.State() != Disabled {
		t.Fatalf("expected disabled, got %s", f.coord.State())
	}
	if f.backend.Open() != 0 {
		t.Fatalf("policy failure opened %d streams", f.backend.Open())
	}
	f.policy.FailRole(policy.Multimedia, nil)
	assertAssignments(t, f.policy.Assignments(), before)
}

func TestProcessingRequiresActive(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	ctx := context.Background()
	settings := translation.Settings{SourceLanguage: "en", TargetLanguage: "fr", Voice: "fr-FR"}

	if err := f.coord.StartProcessing(ctx, settings); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict while disabled, got %v", err)
	}
	if err := f.coord.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := f.coord.StartProcessing(ctx, settings); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if err := f.coord.StartProcessing(ctx, settings); err != nil {
		t.Fatalf("repeat start processing: %v", err)
	}
	if starts, _ := f.hook.counts(); starts != 1 {
		t.Fatalf("hook started %d times", starts)
	}
	want := settings
	want.Source = realtekMic
	if f.hook.settings != want {
		t.Fatalf("hook got settings %+v", f.hook.settings)
	}
	if !f.coord.Processing() || f.coord.State() != Active {
		t.Fatalf("processing must not change routing state")
	}

	if err := f.coord.StopProcessing(); err != nil {
		t.Fatalf("stop processing: %v", err)
	}
	if err := f.coord.StopProcessing(); err != nil {
		t.Fatalf("repeat stop processing: %v", err)
	}
	if _, stops := f.hook.counts(); stops != 1 {
		t.Fatalf("hook stopped %d times", stops)
	}
	if f.coord.State() != Active {
		t.Fatalf("stop processing changed state to %s", f.coord.State())
	}
}

func TestProcessingStartFailure(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	f.hook.startErr = errors.New("recognizer unavailable")
	ctx := context.Background()
	if err := f.coord.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := f.coord.StartProcessing(ctx, translation.Settings{}); !errors.Is(err, f.hook.startErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if f.coord.Processing() || !f.coord.IsActive() {
		t.Fatalf("failed processing start must leave routing active and processing off")
	}
}

func TestDisableIsBestEffort(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	before := f.policy.Assignments()
	ctx := context.Background()
	if err := f.coord.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := f.coord.StartProcessing(ctx, translation.Settings{}); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	f.hook.stopErr = errors.New("pipeline wedged")
	f.policy.FailRole(policy.Communications, errors.New("access denied"))

	err := f.coord.Disable(ctx)
	if !errors.Is(err, f.hook.stopErr) {
		t.Fatalf("expected hook stop error in %v", err)
	}
	if !errors.Is(err, ErrPolicyAPI) {
		t.Fatalf("expected restore failure in %v", err)
	}
	if f.coord.State() != Disabled || f.coord.Processing() {
		t.Fatalf("expected disabled without processing, got %s", f.coord.State())
	}
	if f.backend.Open() != 0 {
		t.Fatalf("routers not stopped after failing step, %d open", f.backend.Open())
	}
	got := f.policy.Assignments()
	for _, flow := range []device.Flow{device.Capture, device.Render} {
		slot := policy.Slot{Flow: flow, Role: policy.Multimedia}
		if got[slot] != before[slot] {
			t.Fatalf("multimedia %s not restored: %q", flow, got[slot])
		}
	}
}

func TestRoutingFailureIsObservable(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	ctx := context.Background()
	if err := f.coord.Enable(ctx); err != nil {
		t.Fatalf("enable: %v", err)
	}
	f.backend.InjectError(0, errors.New("device unplugged"))

	deadline := time.Now().Add(2 * time.Second)
	for f.coord.IsRouting() {
		if time.Now().After(deadline) {
			t.Fatalf("routing failure never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !f.coord.IsActive() {
		t.Fatalf("coordinator must not heal or disable on its own")
	}
	st := f.coord.Status()
	var failed bool
	for _, s := range st.Sessions {
		if s.Status == router.StatusFailed.String() && s.Error != "" {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("status does not report the failed session: %+v", st.Sessions)
	}
	if err := f.coord.Disable(ctx); err != nil {
		t.Fatalf("disable after failure: %v", err)
	}
}

func TestStateEventsPublished(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	ch, cancel := f.bus.Subscribe(64)
	defer cancel()

	if err := f.coord.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	var states []string
	cycle := ""
	for len(states) < 3 {
		select {
		case ev := <-ch:
			if ev.Kind != events.KindState {
				continue
			}
			states = append(states, ev.State)
			if ev.Message == "" {
				t.Fatalf("event without message: %+v", ev)
			}
			if cycle == "" {
				cycle = ev.Attrs["cycle_id"]
			} else if ev.Attrs["cycle_id"] != cycle {
				t.Fatalf("cycle id changed within one enable")
			}
		case <-time.After(time.Second):
			t.Fatalf("missing state events, got %v", states)
		}
	}
	want := []string{"detecting", "enabling", "active"}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if cycle == "" {
		t.Fatalf("state events carry no cycle id")
	}
}

func TestCloseRestoresActiveCycle(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	before := f.policy.Assignments()
	if err := f.coord.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.coord.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.coord.State() != Disabled {
		t.Fatalf("expected disabled after close, got %s", f.coord.State())
	}
	assertAssignments(t, f.policy.Assignments(), before)
}

func TestCloseIsBoundedByContext(t *testing.T) {
	var gated *gatedEnumerator
	f := newFixtureWith(t, func(inner device.Enumerator) device.Enumerator {
		gated = newGatedEnumerator(inner)
		return gated
	}, allEndpoints...)

	result := make(chan error, 1)
	go func() { result <- f.coord.Enable(context.Background()) }()
	<-gated.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := f.coord.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(gated.release)
	<-result
}

func TestStatusReportsCableAndSnapshot(t *testing.T) {
	f := newFixture(t, allEndpoints...)
	if st := f.coord.Status(); st.State != "disabled" || st.Cable != nil || st.Snapshot != nil {
		t.Fatalf("unexpected initial status %+v", st)
	}
	if err := f.coord.Enable(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	st := f.coord.Status()
	if !st.Active || !st.Routing || st.Cable == nil || st.Snapshot == nil {
		t.Fatalf("incomplete active status %+v", st)
	}
	if st.Cable.Capture != cableOutput.Name || st.Cable.Render != cableInput.Name || st.Cable.Rule != "friendly-name" {
		t.Fatalf("unexpected cable %+v", st.Cable)
	}
	if st.Snapshot.DefaultCapture != realtekMic.ID || st.Snapshot.DefaultRender != realtekSpeakers.ID {
		t.Fatalf("unexpected snapshot %+v", st.Snapshot)
	}
	if len(st.Sessions) != 2 || st.Sessions[0].Direction != "capture" {
		t.Fatalf("unexpected sessions %+v", st.Sessions)
	}
}

func assertAssignments(t *testing.T, got, want map[policy.Slot]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("assignments = %v, want %v", got, want)
	}
	for slot, id := range want {
		if got[slot] != id {
			t.Fatalf("slot %s = %q, want %q", slot, got[slot], id)
		}
	}
}
