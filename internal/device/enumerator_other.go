//go:build !windows

package device

import "context"

// SystemEnumerator has no backing endpoint API outside Windows.
type SystemEnumerator struct{}

func NewSystemEnumerator() *SystemEnumerator { return &SystemEnumerator{} }

func (SystemEnumerator) Endpoints(context.Context, Flow) ([]Endpoint, error) {
	return nil, ErrUnsupported
}
