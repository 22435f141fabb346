// Package runtime wires the bridge together: telemetry, the event bus and
// its journal, NATS, the device platform, the coordinator and its control
// surfaces. Default devices are restored on every exit path.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/control"
	"github.com/loqalabs/loqa-bridge/internal/coordinator"
	"github.com/loqalabs/loqa-bridge/internal/events"
	"github.com/loqalabs/loqa-bridge/internal/eventstore"
	"github.com/loqalabs/loqa-bridge/internal/natsserver"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/translation"
)

const (
	shutdownTimeout = 10 * time.Second
	eventRetention  = 24 * time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	ready   atomic.Bool
	started     chan struct{}
	addr        string
	metricsAddr string

	events *events.Bus
	bus    *bus.Client
	coord  *coordinator.Coordinator
	wg     sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP API is listening.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr is the HTTP listen address; valid after Started.
func (r *Runtime) Addr() string { return r.addr }

// MetricsAddr is the prometheus listen address; valid after Started.
func (r *Runtime) MetricsAddr() string { return r.metricsAddr }

// Coordinator is valid after Started.
func (r *Runtime) Coordinator() *coordinator.Coordinator { return r.coord }

// Start runs until ctx is done. A failure during wiring unwinds whatever
// was already started.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	r.events = events.NewBus()
	mirror, cancelMirror := r.events.Subscribe(64)
	r.goRun(func() { r.mirrorEvents(mirror) })
	defer cancelMirror()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	journal, cancelJournal := r.events.Subscribe(256)
	journaled := make(chan struct{})
	go func() {
		defer close(journaled)
		store.Record(context.Background(), journal)
	}()
	defer func() {
		cancelJournal()
		<-journaled
	}()

	if r.cfg.Bus.Enabled {
		shutdownBus, err := r.startBus(ctx)
		if err != nil {
			return err
		}
		defer shutdownBus()
	}

	plat, err := newPlatform(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := plat.close(); err != nil {
			r.logger.Warn("audio backend close failed", slog.String("error", err.Error()))
		}
	}()

	var hook translation.Hook
	if r.cfg.Translation.Enabled {
		pipeline, err := translation.NewPipeline(ctx, r.cfg, r.bus, plat.backend, r.events, r.logger)
		if err != nil {
			return fmt.Errorf("init translation: %w", err)
		}
		hook = pipeline
	}

	r.coord = coordinator.New(coordinator.Deps{
		Catalog: plat.catalog,
		Policy:  plat.policy,
		Backend: plat.backend,
		Hook:    hook,
		Events:  r.events,
	}, coordinator.Options{
		Format:          audio.FormatFromConfig(r.cfg.Audio),
		Latency:         time.Duration(r.cfg.Audio.BufferMS) * time.Millisecond,
		FramesPerBuffer: r.cfg.Audio.FramesPerBuffer,
	}, r.logger)
	defer r.restore()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("runtime panic, restoring default devices", slog.Any("panic", p))
			r.restore()
			panic(p)
		}
	}()

	svc := control.NewService(r.coord, store, translation.SettingsFromConfig(r.cfg.Translation), r.logger)
	if r.bus != nil {
		responder := control.NewResponder(ctx, svc, r.bus, r.logger)
		if err := responder.Start(); err != nil {
			return err
		}
		defer responder.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	svc.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	stopHTTP, boundAddr, err := r.serve("http", addr, mux)
	if err != nil {
		return err
	}
	defer stopHTTP()
	r.addr = boundAddr

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", tel.handler)
	stopMetrics, metricsAddr, err := r.serve("metrics", r.cfg.Telemetry.PrometheusBind, metricsMux)
	if err != nil {
		return err
	}
	defer stopMetrics()
	r.metricsAddr = metricsAddr
	r.logger.Info("metrics listening", slog.String("addr", metricsAddr))

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started", slog.String("addr", boundAddr), slog.String("devices", r.cfg.Devices.Source), slog.String("audio_backend", r.cfg.Audio.Backend))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

// restore tears down an active cycle within the configured restore budget.
func (r *Runtime) restore() {
	timeout := time.Duration(r.cfg.Policy.RestoreTimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.coord.Close(ctx); err != nil {
		r.logger.Error("default device restore failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) startBus(ctx context.Context) (func(), error) {
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return nil, err
	}
	busCfg := r.cfg.Bus
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	if err := client.EnsureEventStream([]string{protocol.SubjectEventPrefix + ".>"}, eventRetention); err != nil {
		r.logger.Warn("event stream unavailable, events are published without retention", slog.String("error", err.Error()))
	}
	r.bus = client

	forward, cancelForward := r.events.Subscribe(256)
	r.goRun(func() { r.forwardEvents(forward) })

	return func() {
		cancelForward()
		client.Close()
		srv.Shutdown()
	}, nil
}

// serve listens on addr and serves h until the returned stop is called.
func (r *Runtime) serve(name, addr string, h http.Handler) (func(), string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("server", name), slog.String("error", err.Error()))
		}
		<-done
	}, ln.Addr().String(), nil
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Wait blocks until the event goroutines have drained after Start returned.
func (r *Runtime) Wait() { r.wg.Wait() }

func (r *Runtime) mirrorEvents(ch <-chan events.Event) {
	log := r.logger.With(slog.String("component", "events"))
	for ev := range ch {
		attrs := []any{slog.String("kind", string(ev.Kind))}
		if ev.State != "" {
			attrs = append(attrs, slog.String("state", ev.State))
		}
		if ev.Err != "" {
			attrs = append(attrs, slog.String("error", ev.Err))
		}
		for k, v := range ev.Attrs {
			attrs = append(attrs, slog.String(k, v))
		}
		if ev.Kind == events.KindError {
			log.Warn(ev.Message, attrs...)
			continue
		}
		log.Debug(ev.Message, attrs...)
	}
}

func (r *Runtime) forwardEvents(ch <-chan events.Event) {
	for ev := range ch {
		if err := r.bus.PublishJSON(protocol.EventSubject(string(ev.Kind)), ev); err != nil {
			r.logger.Warn("failed to forward event", slog.String("event", ev.String()), slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
