// Package policy reads and writes the OS default audio endpoint for each
// role and restores a snapshot taken once at construction.
package policy

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-bridge/internal/device"
)

// Role selects one of the independently configurable default slots.
type Role int

const (
	Multimedia Role = iota
	Communications
)

func (r Role) String() string {
	switch r {
	case Multimedia:
		return "multimedia"
	case Communications:
		return "communications"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ErrPolicyAPI wraps any non-success status from the OS policy call.
var ErrPolicyAPI = errors.New("default device policy call failed")

// Policy is the platform default-device API.
type Policy interface {
	DefaultEndpoint(flow device.Flow, role Role) (string, error)
	SetDefaultEndpoint(id string, role Role) error
}

// StatusError carries the raw status code returned by the OS.
type StatusError struct {
	Op     string
	Status uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status 0x%08x", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrPolicyAPI }
