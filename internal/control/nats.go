package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	responderQueue = "loqa-bridge-control"
	requestTimeout = 30 * time.Second
)

// Responder answers bridge.control.<op> requests.
type Responder struct {
	svc    *Service
	bus    *bus.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

func NewResponder(parent context.Context, svc *Service, busClient *bus.Client, logger *slog.Logger) *Responder {
	ctx, cancel := context.WithCancel(parent)
	return &Responder{
		svc:    svc,
		bus:    busClient,
		logger: logger.With(slog.String("component", "control-nats")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Responder) Start() error {
	sub, err := r.bus.Conn().QueueSubscribe(protocol.SubjectControlPrefix+".>", responderQueue, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe control requests: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *Responder) Close() {
	r.cancel()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	r.wg.Wait()
}

func (r *Responder) Healthy() bool {
	return r.sub != nil && r.sub.IsValid()
}

func (r *Responder) handle(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			r.respond(msg, protocol.ControlReply{Error: err.Error(), Code: "bad_request"})
			return
		}
	}

	// Transitions can take a while; keep the subscription's delivery
	// goroutine free.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
		defer cancel()
		r.respond(msg, r.svc.Do(ctx, op, req))
	}()
}

func (r *Responder) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Warn("failed to marshal control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to send control reply", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
	}
}
