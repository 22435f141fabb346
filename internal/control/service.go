// Package control exposes the coordinator over HTTP and NATS
// request/reply. Both surfaces share one operation table and reply shape.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-bridge/internal/coordinator"
	"github.com/loqalabs/loqa-bridge/internal/eventstore"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/translation"
)

// Coordinator is the subset of *coordinator.Coordinator driven here.
type Coordinator interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	StartProcessing(ctx context.Context, settings translation.Settings) error
	StopProcessing() error
	Status() coordinator.Status
}

// Journal lists recorded routing cycles.
type Journal interface {
	Cycles(ctx context.Context, limit int) ([]eventstore.Cycle, error)
	CycleEvents(ctx context.Context, cycleID string, limit int) ([]eventstore.Record, error)
}

var ErrUnknownOp = errors.New("unknown control operation")

// Service runs control operations against a Coordinator.
type Service struct {
	coord    Coordinator
	journal  Journal
	defaults translation.Settings
	logger   *slog.Logger
}

// NewService wires a Service. journal may be nil.
func NewService(coord Coordinator, journal Journal, defaults translation.Settings, logger *slog.Logger) *Service {
	return &Service{
		coord:    coord,
		journal:  journal,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "control")),
	}
}

// Do runs op and returns the reply, including the coordinator status after
// the operation.
func (s *Service) Do(ctx context.Context, op string, req protocol.ControlRequest) protocol.ControlReply {
	reply, _ := s.run(ctx, op, req)
	return reply
}

func (s *Service) run(ctx context.Context, op string, req protocol.ControlRequest) (protocol.ControlReply, error) {
	var err error
	switch op {
	case protocol.OpEnable:
		err = s.coord.Enable(ctx)
	case protocol.OpDisable:
		err = s.coord.Disable(ctx)
	case protocol.OpProcessingStart:
		settings := translation.Settings{
			SourceLanguage: req.SourceLanguage,
			TargetLanguage: req.TargetLanguage,
			Voice:          req.Voice,
		}.Merge(s.defaults)
		err = s.coord.StartProcessing(ctx, settings)
	case protocol.OpProcessingStop:
		err = s.coord.StopProcessing()
	case protocol.OpStatus:
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}

	reply := protocol.ControlReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
		reply.Code, _ = classify(err)
		s.logger.Warn("control operation failed", slog.String("op", op), slog.String("code", reply.Code), slog.String("error", err.Error()))
	} else if op != protocol.OpStatus {
		s.logger.Info("control operation completed", slog.String("op", op))
	}
	status, mErr := json.Marshal(s.coord.Status())
	if mErr != nil {
		s.logger.Warn("failed to marshal status", slog.String("error", mErr.Error()))
	} else {
		reply.Status = status
	}
	return reply, err
}

// classify maps an operation error to a stable code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case err == nil:
		return "", http.StatusOK
	case errors.Is(err, ErrUnknownOp):
		return "unknown_op", http.StatusNotFound
	case errors.Is(err, coordinator.ErrStateConflict):
		return "state_conflict", http.StatusConflict
	case errors.Is(err, coordinator.ErrDeviceNotFound):
		return "device_not_found", http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrInvalidDevice):
		return "invalid_device", http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrPolicyAPI):
		return "policy_api", http.StatusBadGateway
	case errors.Is(err, coordinator.ErrRoutingIO):
		return "routing_io", http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout", http.StatusGatewayTimeout
	default:
		return "internal", http.StatusInternalServerError
	}
}
