package device

import "strings"

// Matcher reports whether an endpoint satisfies a predicate.
type Matcher func(Endpoint) bool

// Rule pairs a capture-side and a render-side matcher. Rules are
// evaluated in order and the first one that yields both sides wins.
//
// Exclude only applies when picking the routing pair: an excluded
// endpoint is still a cable endpoint and never counts as physical.
type Rule struct {
	Name    string
	Capture Matcher
	Render  Matcher
	Exclude Matcher
}

const cableSignature = "vb-audio virtual cable"

// DefaultRules is the ordered rule set used by the catalog.
var DefaultRules = []Rule{
	{
		Name:    "friendly-name",
		Capture: nameContains("cable output"),
		Render:  nameContains("cable input"),
		Exclude: multichannel,
	},
	{
		Name:    "description",
		Capture: descriptionContains(cableSignature),
		Render:  descriptionContains(cableSignature),
		Exclude: multichannel,
	},
}

func nameContains(sub string) Matcher {
	return func(e Endpoint) bool {
		return strings.Contains(strings.ToLower(e.Name), sub)
	}
}

func descriptionContains(sub string) Matcher {
	return func(e Endpoint) bool {
		return strings.Contains(strings.ToLower(e.Description), sub)
	}
}

// multichannel matches the 16 channel variant shipped with some cable
// drivers; routing into it produces silence on the stereo capture side.
func multichannel(e Endpoint) bool {
	name := strings.ToLower(e.Name)
	return strings.Contains(name, "16ch") || strings.Contains(name, "16 ch")
}

// claims reports whether the rule recognises the endpoint as part of a
// virtual cable on its own flow.
func (r Rule) claims(e Endpoint) bool {
	switch e.Flow {
	case Capture:
		return r.Capture != nil && r.Capture(e)
	case Render:
		return r.Render != nil && r.Render(e)
	}
	return false
}

// selects reports whether the endpoint may be used as the routing pair.
func (r Rule) selects(e Endpoint) bool {
	if !r.claims(e) {
		return false
	}
	return r.Exclude == nil || !r.Exclude(e)
}
