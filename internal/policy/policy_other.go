//go:build !windows

package policy

import (
	"errors"

	"github.com/loqalabs/loqa-bridge/internal/device"
)

var errUnsupported = errors.New("default device policy not supported on this platform")

// SystemPolicy has no backing API outside Windows.
type SystemPolicy struct{}

func NewSystemPolicy() *SystemPolicy { return &SystemPolicy{} }

func (SystemPolicy) DefaultEndpoint(device.Flow, Role) (string, error) {
	return "", errUnsupported
}

func (SystemPolicy) SetDefaultEndpoint(string, Role) error {
	return errors.Join(ErrPolicyAPI, errUnsupported)
}
