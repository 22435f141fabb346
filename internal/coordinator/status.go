package coordinator

import (
	"time"

	"github.com/loqalabs/loqa-bridge/internal/device"
	"github.com/loqalabs/loqa-bridge/internal/policy"
	"github.com/loqalabs/loqa-bridge/internal/router"
)

// Status is a point-in-time view for control surfaces.
type Status struct {
	State      string           `json:"state"`
	Active     bool             `json:"active"`
	Routing    bool             `json:"routing"`
	Processing bool             `json:"processing"`
	CycleID    string           `json:"cycle_id,omitempty"`
	Since      time.Time        `json:"since"`
	Cable      *CableStatus     `json:"cable,omitempty"`
	Snapshot   *policy.Snapshot `json:"snapshot,omitempty"`
	Sessions   []SessionStatus  `json:"sessions"`
}

type CableStatus struct {
	Rule           string `json:"rule"`
	Capture        string `json:"capture"`
	Render         string `json:"render"`
	PhysicalMic    string `json:"physical_capture"`
	PhysicalOutput string `json:"physical_render"`
}

type SessionStatus struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Source    string    `json:"source"`
	Sink      string    `json:"sink"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Buffered  int       `json:"buffered_bytes"`
	Capacity  int       `json:"capacity_bytes"`
	Dropped   uint64    `json:"dropped_bytes"`
	Underruns uint64    `json:"underruns"`
	Error     string    `json:"error,omitempty"`
}

func (c *Coordinator) Status() Status {
	st := Status{
		State:    c.State().String(),
		Active:   c.IsActive(),
		Routing:  c.IsRouting(),
		Sessions: []SessionStatus{},
	}

	c.mu.Lock()
	st.Processing = c.processing
	st.CycleID = c.cycleID
	st.Since = c.since
	if c.route != nil {
		st.Cable = &CableStatus{
			Rule:           c.route.Cable.Rule,
			Capture:        c.route.Cable.Capture.Name,
			Render:         c.route.Cable.Render.Name,
			PhysicalMic:    c.route.PhysicalMic.Name,
			PhysicalOutput: c.route.PhysicalOutput.Name,
		}
	}
	if c.controller != nil {
		snap := c.controller.Snapshot()
		st.Snapshot = &snap
	}
	c.mu.Unlock()

	for _, r := range []*router.Router{c.capture, c.render} {
		if s := r.Session(); s != nil {
			st.Sessions = append(st.Sessions, sessionStatus(s))
		}
	}
	return st
}

func sessionStatus(s *router.Session) SessionStatus {
	out := SessionStatus{
		ID:        s.ID,
		Direction: s.Direction.String(),
		Source:    endpointName(s.Source),
		Sink:      endpointName(s.Sink),
		Status:    s.Status().String(),
		StartedAt: s.StartedAt,
		Buffered:  s.Buffered(),
		Capacity:  s.Capacity(),
		Dropped:   s.Dropped(),
		Underruns: s.Underruns(),
	}
	if err := s.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

func endpointName(ep device.Endpoint) string {
	if ep.Name != "" {
		return ep.Name
	}
	return ep.ID
}

// Sessions returns the running routing sessions, capture direction first.
func (c *Coordinator) Sessions() []*router.Session {
	var out []*router.Session
	for _, r := range []*router.Router{c.capture, c.render} {
		if s := r.Session(); s != nil {
			out = append(out, s)
		}
	}
	return out
}
