package device

import (
	"context"
	"sync"
)

// StaticEnumerator serves a fixed endpoint list. It backs the simulated
// platform and tests.
type StaticEnumerator struct {
	mu  sync.RWMutex
	eps []Endpoint
	err error
}

func NewStaticEnumerator(eps ...Endpoint) *StaticEnumerator {
	return &StaticEnumerator{eps: append([]Endpoint(nil), eps...)}
}

// Set replaces the endpoint list.
func (s *StaticEnumerator) Set(eps ...Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eps = append([]Endpoint(nil), eps...)
}

// Fail makes subsequent calls return err; nil clears it.
func (s *StaticEnumerator) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StaticEnumerator) Endpoints(_ context.Context, flow Flow) ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Endpoint
	for _, ep := range s.eps {
		if ep.Flow == flow && ep.State == StateActive {
			out = append(out, ep)
		}
	}
	return out, nil
}
