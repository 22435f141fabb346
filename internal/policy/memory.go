package policy

import (
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-bridge/internal/device"
)

// MemoryPolicy keeps default assignments in memory. It backs the
// simulated platform and tests.
type MemoryPolicy struct {
	mu       sync.Mutex
	flows    map[string]device.Flow
	defaults map[Slot]string
	failures map[Role]error
	calls    int
}

// NewMemoryPolicy registers eps as known endpoints.
func NewMemoryPolicy(eps ...device.Endpoint) *MemoryPolicy {
	m := &MemoryPolicy{
		flows:    make(map[string]device.Flow),
		defaults: make(map[Slot]string),
		failures: make(map[Role]error),
	}
	for _, ep := range eps {
		m.flows[ep.ID] = ep.Flow
	}
	return m
}

// Assign sets the default of a slot without counting it as a policy call.
func (m *MemoryPolicy) Assign(id string, flow device.Flow, roles ...Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[id] = flow
	for _, role := range roles {
		m.defaults[Slot{flow, role}] = id
	}
}

// FailRole makes SetDefaultEndpoint fail for role; nil clears it.
func (m *MemoryPolicy) FailRole(role Role, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, role)
		return
	}
	m.failures[role] = err
}

// Calls counts SetDefaultEndpoint invocations.
func (m *MemoryPolicy) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Assignments returns a copy of the current defaults.
func (m *MemoryPolicy) Assignments() map[Slot]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Slot]string, len(m.defaults))
	for k, v := range m.defaults {
		out[k] = v
	}
	return out
}

func (m *MemoryPolicy) DefaultEndpoint(flow device.Flow, role Role) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.defaults[Slot{flow, role}]
	if !ok {
		return "", fmt.Errorf("no default %s endpoint for %s", flow, role)
	}
	return id, nil
}

func (m *MemoryPolicy) SetDefaultEndpoint(id string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := m.failures[role]; err != nil {
		return err
	}
	flow, ok := m.flows[id]
	if !ok {
		return &StatusError{Op: "set default endpoint " + id, Status: 0x80070490}
	}
	m.defaults[Slot{flow, role}] = id
	return nil
}
