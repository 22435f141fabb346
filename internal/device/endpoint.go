// Package device enumerates audio endpoints and classifies them as
// physical devices or virtual-cable loopback endpoints.
package device

import (
	"context"
	"errors"
	"fmt"
)

// Flow is the data direction of an endpoint.
type Flow int

const (
	Capture Flow = iota
	Render
)

func (f Flow) String() string {
	switch f {
	case Capture:
		return "capture"
	case Render:
		return "render"
	}
	return fmt.Sprintf("flow(%d)", int(f))
}

// ParseFlow accepts "capture" or "render".
func ParseFlow(s string) (Flow, error) {
	switch s {
	case "capture":
		return Capture, nil
	case "render":
		return Render, nil
	}
	return 0, fmt.Errorf("unknown flow %q", s)
}

// State mirrors the endpoint states reported by the OS.
type State int

const (
	StateActive State = iota
	StateDisabled
	StateNotPresent
	StateUnplugged
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisabled:
		return "disabled"
	case StateNotPresent:
		return "not_present"
	case StateUnplugged:
		return "unplugged"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Endpoint is an immutable snapshot of an OS audio endpoint taken at
// discovery time.
type Endpoint struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Flow        Flow   `json:"flow"`
	State       State  `json:"state"`
	Virtual     bool   `json:"virtual"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s %q (%s)", e.Flow, e.Name, e.ID)
}

// ErrUnsupported is returned by enumerators on platforms without an
// endpoint API.
var ErrUnsupported = errors.New("audio endpoint enumeration not supported on this platform")

// Enumerator lists the active endpoints of one data flow in OS order.
type Enumerator interface {
	Endpoints(ctx context.Context, flow Flow) ([]Endpoint, error)
}
