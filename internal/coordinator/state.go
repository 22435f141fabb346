package coordinator

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-bridge/internal/policy"
	"github.com/loqalabs/loqa-bridge/internal/router"
)

// State is the universal-mode lifecycle. Detecting, Enabling and Disabling
// are only observable while a transition holds the gate.
type State int32

const (
	Disabled State = iota
	Detecting
	Enabling
	Active
	Disabling
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Detecting:
		return "detecting"
	case Enabling:
		return "enabling"
	case Active:
		return "active"
	case Disabling:
		return "disabling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrDeviceNotFound means discovery found no cable pair or no physical
	// microphone or speaker.
	ErrDeviceNotFound = errors.New("required audio device not found")
	// ErrStateConflict rejects an operation that does not fit the current
	// state or that raced another transition.
	ErrStateConflict = errors.New("operation conflicts with coordinator state")

	ErrInvalidDevice = router.ErrInvalidDevice
	ErrPolicyAPI     = policy.ErrPolicyAPI
	ErrRoutingIO     = router.ErrRoutingIO
)
