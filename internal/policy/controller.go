package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-bridge/internal/device"
)

// Slot names one (flow, role) default assignment.
type Slot struct {
	Flow device.Flow
	Role Role
}

func (s Slot) String() string { return s.Role.String() + "/" + s.Flow.String() }

// Slots lists the four snapshotted assignments in restore order.
var Slots = []Slot{
	{device.Capture, Multimedia},
	{device.Render, Multimedia},
	{device.Capture, Communications},
	{device.Render, Communications},
}

// Snapshot is the default endpoint of every slot at controller
// construction. An empty ID means the slot could not be read.
type Snapshot struct {
	DefaultCapture        string `json:"default_capture"`
	DefaultRender         string `json:"default_render"`
	CommunicationsCapture string `json:"communications_capture"`
	CommunicationsRender  string `json:"communications_render"`
}

func (s Snapshot) get(slot Slot) string {
	switch slot {
	case Slot{device.Capture, Multimedia}:
		return s.DefaultCapture
	case Slot{device.Render, Multimedia}:
		return s.DefaultRender
	case Slot{device.Capture, Communications}:
		return s.CommunicationsCapture
	case Slot{device.Render, Communications}:
		return s.CommunicationsRender
	}
	return ""
}

func (s *Snapshot) set(slot Slot, id string) {
	switch slot {
	case Slot{device.Capture, Multimedia}:
		s.DefaultCapture = id
	case Slot{device.Render, Multimedia}:
		s.DefaultRender = id
	case Slot{device.Capture, Communications}:
		s.CommunicationsCapture = id
	case Slot{device.Render, Communications}:
		s.CommunicationsRender = id
	}
}

// Controller owns the snapshot and issues default-device changes.
type Controller struct {
	policy   Policy
	logger   *slog.Logger
	snapshot Snapshot
	mu       sync.Mutex
}

// NewController captures the current default of every slot. The snapshot
// is never taken again for the lifetime of the controller.
func NewController(p Policy, logger *slog.Logger) *Controller {
	c := &Controller{
		policy: p,
		logger: logger.With(slog.String("component", "default-device-controller")),
	}
	for _, slot := range Slots {
		id, err := p.DefaultEndpoint(slot.Flow, slot.Role)
		if err != nil {
			c.logger.Warn("failed to read default endpoint", slog.String("slot", slot.String()), slogError(err))
			continue
		}
		c.snapshot.set(slot, id)
	}
	c.logger.Info("default devices captured",
		slog.String("capture", c.snapshot.DefaultCapture),
		slog.String("render", c.snapshot.DefaultRender),
		slog.String("comms_capture", c.snapshot.CommunicationsCapture),
		slog.String("comms_render", c.snapshot.CommunicationsRender))
	return c
}

// Snapshot returns the assignments captured at construction.
func (c *Controller) Snapshot() Snapshot {
	return c.snapshot
}

// SetDefault points the multimedia role of flow at id and, when
// alsoCommunications is set, the communications role too. Only the
// multimedia change can fail the call.
func (c *Controller) SetDefault(id string, flow device.Flow, alsoCommunications bool) error {
	if id == "" {
		return fmt.Errorf("set default %s: empty endpoint id: %w", flow, ErrPolicyAPI)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.policy.SetDefaultEndpoint(id, Multimedia); err != nil {
		return fmt.Errorf("set default %s endpoint %s: %w", flow, id, wrapPolicy(err))
	}
	c.logger.Info("default endpoint changed", slog.String("flow", flow.String()), slog.String("role", Multimedia.String()), slog.String("id", id))

	if !alsoCommunications {
		return nil
	}
	if err := c.policy.SetDefaultEndpoint(id, Communications); err != nil {
		c.logger.Warn("failed to set communications endpoint", slog.String("flow", flow.String()), slog.String("id", id), slogError(err))
		return nil
	}
	c.logger.Info("default endpoint changed", slog.String("flow", flow.String()), slog.String("role", Communications.String()), slog.String("id", id))
	return nil
}

// SlotResult is the outcome of restoring one slot.
type SlotResult struct {
	Slot     Slot
	Endpoint string
	Skipped  bool
	Err      error
}

// RestoreReport aggregates per-slot outcomes.
type RestoreReport struct {
	Results []SlotResult
}

// Restored counts slots that were re-applied successfully.
func (r RestoreReport) Restored() int {
	n := 0
	for _, res := range r.Results {
		if !res.Skipped && res.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the slots whose restore call failed.
func (r RestoreReport) Failed() []SlotResult {
	var out []SlotResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every slot failure, nil when all attempted slots succeeded.
func (r RestoreReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("restore %s to %s: %w", res.Slot, res.Endpoint, res.Err))
		}
	}
	return errors.Join(errs...)
}

func (r RestoreReport) String() string {
	parts := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		switch {
		case res.Skipped:
			parts = append(parts, res.Slot.String()+"=skipped")
		case res.Err != nil:
			parts = append(parts, res.Slot.String()+"=failed")
		default:
			parts = append(parts, res.Slot.String()+"=ok")
		}
	}
	return strings.Join(parts, " ")
}

// Restore re-applies every snapshotted slot. Each slot is attempted even
// when an earlier one fails.
func (c *Controller) Restore() RestoreReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := RestoreReport{Results: make([]SlotResult, 0, len(Slots))}
	for _, slot := range Slots {
		id := c.snapshot.get(slot)
		res := SlotResult{Slot: slot, Endpoint: id}
		if id == "" {
			res.Skipped = true
			report.Results = append(report.Results, res)
			continue
		}
		if err := c.policy.SetDefaultEndpoint(id, slot.Role); err != nil {
			res.Err = wrapPolicy(err)
			c.logger.Warn("failed to restore default endpoint", slog.String("slot", slot.String()), slog.String("id", id), slogError(err))
		}
		report.Results = append(report.Results, res)
	}
	c.logger.Info("default devices restored", slog.String("result", report.String()))
	return report
}

func wrapPolicy(err error) error {
	if errors.Is(err, ErrPolicyAPI) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPolicyAPI, err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
