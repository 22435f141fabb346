// Package coordinator brings device discovery, default-device redirection
// and both frame routers up or down as one universal-mode transition.
//
// A process owns exactly one Coordinator. Its lifecycle is New, any number
// of Enable/Disable cycles, then Close, which restores the default devices
// captured before the first Enable.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/device"
	"github.com/loqalabs/loqa-bridge/internal/events"
	"github.com/loqalabs/loqa-bridge/internal/policy"
	"github.com/loqalabs/loqa-bridge/internal/router"
	"github.com/loqalabs/loqa-bridge/internal/translation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Catalog *device.Catalog
	Policy  policy.Policy
	Backend audio.Backend
	Hook    translation.Hook
	Events  events.Publisher
}

type Options struct {
	Format          audio.Format
	Latency         time.Duration
	FramesPerBuffer int
}

type Coordinator struct {
	catalog *device.Catalog
	policy  policy.Policy
	hook    translation.Hook
	events  events.Publisher
	logger  *slog.Logger
	format  audio.Format

	capture *router.Router
	render  *router.Router

	tracer      trace.Tracer
	transitions metric.Int64Counter

	// gate admits one transition at a time; losers get ErrStateConflict.
	gate  sync.Mutex
	state atomic.Int32

	mu         sync.Mutex
	controller *policy.Controller
	route      *route
	processing bool
	cycleID    string
	since      time.Time
}

// route is the device plan of the current cycle.
type route struct {
	Cable          device.CablePair
	PhysicalMic    device.Endpoint
	PhysicalOutput device.Endpoint
}

func New(deps Deps, opts Options, logger *slog.Logger) *Coordinator {
	if deps.Hook == nil {
		deps.Hook = translation.NopHook{}
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	logger = logger.With(slog.String("component", "coordinator"))
	routerOpts := router.Options{Latency: opts.Latency, FramesPerBuffer: opts.FramesPerBuffer}
	c := &Coordinator{
		catalog: deps.Catalog,
		policy:  deps.Policy,
		hook:    deps.Hook,
		events:  deps.Events,
		logger:  logger,
		format:  opts.Format,
		capture: router.New(router.DirectionCapture, deps.Backend, routerOpts, deps.Events, logger),
		render:  router.New(router.DirectionRender, deps.Backend, routerOpts, deps.Events, logger),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-bridge/coordinator"),
		since:   time.Now().UTC(),
	}
	if err := c.initMetrics(); err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) IsActive() bool { return c.State() == Active }

// IsRouting reports whether both routers are forwarding. It turns false
// when either session fails, even though the state stays Active.
func (c *Coordinator) IsRouting() bool {
	return c.capture.IsActive() && c.render.IsActive()
}

func (c *Coordinator) Processing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

// Enable runs discovery, redirects the default devices to the virtual
// cable and starts both routers. Enabling an active coordinator succeeds
// without side effects. Any failure leaves the coordinator Disabled with
// default devices restored.
func (c *Coordinator) Enable(ctx context.Context) (err error) {
	if !c.gate.TryLock() {
		return fmt.Errorf("%w: transition in progress", ErrStateConflict)
	}
	defer c.gate.Unlock()

	ctx, span := c.tracer.Start(ctx, "coordinator.enable")
	defer func() { endSpan(span, err) }()

	switch c.State() {
	case Active:
		c.logger.Debug("enable ignored, already active")
		return nil
	case Disabled:
	default:
		return fmt.Errorf("%w: cannot enable while %s", ErrStateConflict, c.State())
	}

	c.mu.Lock()
	c.cycleID = uuid.NewString()
	c.mu.Unlock()

	c.setState(Detecting, "detecting audio devices")
	plan, err := c.detect(ctx)
	if err != nil {
		c.publishError("device discovery failed", err)
		c.setState(Disabled, "universal mode not enabled")
		return err
	}
	span.AddEvent("devices detected", trace.WithAttributes(
		attribute.String("cable.capture", plan.Cable.Capture.Name),
		attribute.String("cable.render", plan.Cable.Render.Name),
		attribute.String("physical.capture", plan.PhysicalMic.Name),
		attribute.String("physical.render", plan.PhysicalOutput.Name),
	))

	c.setState(Enabling, "redirecting default devices")
	if err := c.activate(plan); err != nil {
		c.publishError("universal mode activation failed", err)
		c.setState(Disabled, "universal mode rolled back")
		return err
	}

	c.mu.Lock()
	c.route = &plan
	c.mu.Unlock()
	c.setState(Active, "universal mode active")
	return nil
}

func (c *Coordinator) detect(ctx context.Context) (route, error) {
	pair, ok, err := c.catalog.FindVirtualCablePair(ctx)
	if err != nil {
		return route{}, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	if !ok {
		return route{}, fmt.Errorf("%w: no virtual cable pair", ErrDeviceNotFound)
	}
	mics, outputs, err := c.catalog.FindPhysicalEndpoints(ctx)
	if err != nil {
		return route{}, fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}
	if len(mics) == 0 {
		return route{}, fmt.Errorf("%w: no physical capture device", ErrDeviceNotFound)
	}
	if len(outputs) == 0 {
		return route{}, fmt.Errorf("%w: no physical render device", ErrDeviceNotFound)
	}
	if len(mics) > 1 || len(outputs) > 1 {
		c.logger.Info("multiple physical devices present, using the first of each",
			slog.Int("capture", len(mics)),
			slog.Int("render", len(outputs)),
		)
	}
	c.logger.Info("devices detected",
		slog.String("cable_rule", pair.Rule),
		slog.String("cable_capture", pair.Capture.Name),
		slog.String("cable_render", pair.Render.Name),
		slog.String("physical_capture", mics[0].Name),
		slog.String("physical_render", outputs[0].Name),
	)
	return route{Cable: pair, PhysicalMic: mics[0], PhysicalOutput: outputs[0]}, nil
}

// activate performs the Enabling steps and rolls back on the first
// failure, returning the error that caused it.
func (c *Coordinator) activate(plan route) error {
	c.mu.Lock()
	if c.controller == nil {
		c.controller = policy.NewController(c.policy, c.logger)
	}
	controller := c.controller
	c.mu.Unlock()

	fail := func(err error) error {
		if rbErr := c.rollback(controller); rbErr != nil {
			c.logger.Error("rollback incomplete", slogError(rbErr))
			c.publishError("rollback incomplete", rbErr)
		}
		return err
	}

	if err := controller.SetDefault(plan.Cable.Capture.ID, device.Capture, true); err != nil {
		return fail(fmt.Errorf("redirect default capture: %w", err))
	}
	if err := controller.SetDefault(plan.Cable.Render.ID, device.Render, true); err != nil {
		return fail(fmt.Errorf("redirect default render: %w", err))
	}
	c.publish(events.KindPolicy, "default devices redirected to virtual cable", nil)

	if _, err := c.capture.Start(plan.PhysicalMic, plan.Cable.Render, c.format); err != nil {
		return fail(fmt.Errorf("start capture router: %w", err))
	}
	if _, err := c.render.Start(plan.Cable.Capture, plan.PhysicalOutput, c.format); err != nil {
		return fail(fmt.Errorf("start render router: %w", err))
	}
	return nil
}

func (c *Coordinator) rollback(controller *policy.Controller) error {
	return errors.Join(
		c.capture.Stop(),
		c.render.Stop(),
		c.restore(controller),
	)
}

func (c *Coordinator) restore(controller *policy.Controller) error {
	if controller == nil {
		return nil
	}
	report := controller.Restore()
	if err := report.Err(); err != nil {
		c.logger.Warn("default device restore incomplete", slog.String("report", report.String()))
		return err
	}
	c.publish(events.KindPolicy, "default devices restored", nil)
	return nil
}

// Disable stops processing, both routers and restores the default devices.
// Every step runs even if an earlier one fails; the failures are joined.
// Disabling a disabled coordinator is a no-op.
func (c *Coordinator) Disable(ctx context.Context) (err error) {
	if !c.gate.TryLock() {
		return fmt.Errorf("%w: transition in progress", ErrStateConflict)
	}
	defer c.gate.Unlock()

	_, span := c.tracer.Start(ctx, "coordinator.disable")
	defer func() { endSpan(span, err) }()

	switch c.State() {
	case Disabled:
		return nil
	case Active:
	default:
		return fmt.Errorf("%w: cannot disable while %s", ErrStateConflict, c.State())
	}
	return c.teardown()
}

// teardown must be called with the gate held.
func (c *Coordinator) teardown() error {
	c.setState(Disabling, "disabling universal mode")

	var errs []error
	if err := c.stopProcessing(); err != nil {
		errs = append(errs, fmt.Errorf("stop processing: %w", err))
	}
	if err := c.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture router: %w", err))
	}
	if err := c.render.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop render router: %w", err))
	}
	c.mu.Lock()
	controller := c.controller
	c.route = nil
	c.mu.Unlock()
	if err := c.restore(controller); err != nil {
		errs = append(errs, fmt.Errorf("restore default devices: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		c.publishError("universal mode disabled with errors", err)
	}
	c.setState(Disabled, "universal mode disabled")
	return err
}

// StartProcessing switches the translation hook on. Only valid while
// Active; the routing state is unchanged.
func (c *Coordinator) StartProcessing(ctx context.Context, settings translation.Settings) (err error) {
	if !c.gate.TryLock() {
		return fmt.Errorf("%w: transition in progress", ErrStateConflict)
	}
	defer c.gate.Unlock()

	ctx, span := c.tracer.Start(ctx, "coordinator.start_processing")
	defer func() { endSpan(span, err) }()

	if c.State() != Active {
		return fmt.Errorf("%w: processing requires active universal mode", ErrStateConflict)
	}
	if c.Processing() {
		return nil
	}
	c.mu.Lock()
	if c.route != nil {
		settings.Source = c.route.PhysicalMic
	}
	c.mu.Unlock()
	if err := c.hook.Start(ctx, settings); err != nil {
		c.publishError("processing failed to start", err)
		return fmt.Errorf("start processing: %w", err)
	}
	c.mu.Lock()
	c.processing = true
	c.mu.Unlock()
	c.publish(events.KindProcessing, fmt.Sprintf("processing started (%s -> %s)", settings.SourceLanguage, settings.TargetLanguage), nil)
	return nil
}

// StopProcessing switches the translation hook off. It is a no-op when
// processing is not running.
func (c *Coordinator) StopProcessing() error {
	if !c.gate.TryLock() {
		return fmt.Errorf("%w: transition in progress", ErrStateConflict)
	}
	defer c.gate.Unlock()
	return c.stopProcessing()
}

func (c *Coordinator) stopProcessing() error {
	c.mu.Lock()
	running := c.processing
	c.processing = false
	c.mu.Unlock()
	if !running {
		return nil
	}
	err := c.hook.Stop()
	c.publish(events.KindProcessing, "processing stopped", err)
	return err
}

// Close tears down an active or interrupted cycle and restores the default
// devices. It waits for an in-flight transition first and gives up when
// ctx is done.
func (c *Coordinator) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		c.gate.Lock()
		defer c.gate.Unlock()
		if c.State() == Disabled {
			done <- nil
			return
		}
		c.logger.Warn("restoring default devices on shutdown", slog.String("state", c.State().String()))
		done <- c.teardown()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.logger.Error("shutdown restore timed out", slogError(ctx.Err()))
		return fmt.Errorf("restore default devices: %w", ctx.Err())
	}
}

func (c *Coordinator) setState(next State, message string) {
	prev := State(c.state.Swap(int32(next)))
	c.mu.Lock()
	c.since = time.Now().UTC()
	c.mu.Unlock()
	c.logger.Info(message, slog.String("from", prev.String()), slog.String("to", next.String()))
	if c.transitions != nil {
		c.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("from", prev.String()),
			attribute.String("to", next.String()),
		))
	}
	c.events.Publish(events.Event{
		Kind:    events.KindState,
		State:   next.String(),
		Message: message,
		Attrs:   c.attrs(),
	})
}

func (c *Coordinator) publish(kind events.Kind, message string, err error) {
	ev := events.Event{Kind: kind, State: c.State().String(), Message: message, Attrs: c.attrs()}
	if err != nil {
		ev.Err = err.Error()
	}
	c.events.Publish(ev)
}

func (c *Coordinator) publishError(message string, err error) {
	c.logger.Warn(message, slogError(err))
	c.publish(events.KindError, message, err)
}

func (c *Coordinator) attrs() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycleID == "" {
		return nil
	}
	return map[string]string{"cycle_id": c.cycleID}
}

func (c *Coordinator) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-bridge/coordinator")
	transitions, err := meter.Int64Counter("loqa.bridge.coordinator.transitions",
		metric.WithDescription("Coordinator state transitions"))
	if err != nil {
		return err
	}
	c.transitions = transitions
	gauge, err := meter.Int64ObservableGauge("loqa.bridge.coordinator.state",
		metric.WithDescription("Current coordinator state (0 disabled, 3 active)"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(c.State()))
		return nil
	}, gauge)
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
