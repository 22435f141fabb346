package device

import (
	"context"
	"fmt"
)

// CablePair is the capture/render pair of a virtual cable. Audio written to
// Render appears on Capture.
type CablePair struct {
	Capture Endpoint
	Render  Endpoint
	Rule    string
}

// Catalog answers read-only discovery queries against the endpoint list at
// call time. It never caches.
type Catalog struct {
	enum  Enumerator
	rules []Rule
}

// NewCatalog builds a catalog over enum using DefaultRules when rules is
// empty.
func NewCatalog(enum Enumerator, rules ...Rule) *Catalog {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Catalog{enum: enum, rules: rules}
}

// Enumerate returns every active capture endpoint followed by every active
// render endpoint, in OS order, with Virtual set.
func (c *Catalog) Enumerate(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	for _, flow := range []Flow{Capture, Render} {
		eps, err := c.enum.Endpoints(ctx, flow)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s endpoints: %w", flow, err)
		}
		for _, ep := range eps {
			if ep.State != StateActive || ep.Flow != flow {
				continue
			}
			ep.Virtual = c.isCable(ep)
			out = append(out, ep)
		}
	}
	return out, nil
}

// FindVirtualCablePair applies the rules in order. ok is false when no rule
// matches both a capture and a render endpoint.
func (c *Catalog) FindVirtualCablePair(ctx context.Context) (pair CablePair, ok bool, err error) {
	eps, err := c.Enumerate(ctx)
	if err != nil {
		return CablePair{}, false, err
	}
	for _, rule := range c.rules {
		capture, foundCapture := first(eps, Capture, rule.selects)
		render, foundRender := first(eps, Render, rule.selects)
		if foundCapture && foundRender {
			return CablePair{Capture: capture, Render: render, Rule: rule.Name}, true, nil
		}
	}
	return CablePair{}, false, nil
}

// FindPhysicalEndpoints returns all active endpoints no rule claims.
func (c *Catalog) FindPhysicalEndpoints(ctx context.Context) (capture, render []Endpoint, err error) {
	eps, err := c.Enumerate(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, ep := range eps {
		if ep.Virtual {
			continue
		}
		if ep.Flow == Capture {
			capture = append(capture, ep)
		} else {
			render = append(render, ep)
		}
	}
	return capture, render, nil
}

func (c *Catalog) isCable(ep Endpoint) bool {
	for _, rule := range c.rules {
		if rule.claims(ep) {
			return true
		}
	}
	return false
}

func first(eps []Endpoint, flow Flow, match Matcher) (Endpoint, bool) {
	for _, ep := range eps {
		if ep.Flow == flow && match(ep) {
			return ep, true
		}
	}
	return Endpoint{}, false
}
