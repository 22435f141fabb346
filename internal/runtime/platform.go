package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/audio/portaudio"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/device"
	"github.com/loqalabs/loqa-bridge/internal/policy"
)

// platform is the device layer the coordinator drives: the real OS APIs
// or an in-memory stand-in.
type platform struct {
	catalog *device.Catalog
	policy  policy.Policy
	backend audio.Backend
	close   func() error
}

// defaultSimulatedDevices is a typical machine with one VB-Audio cable.
var defaultSimulatedDevices = []config.SimulatedDevice{
	{ID: "sim-mic", Name: "Microphone (Realtek(R) Audio)", Description: "Realtek(R) Audio", Flow: "capture", Default: true},
	{ID: "sim-speakers", Name: "Speakers (Realtek(R) Audio)", Description: "Realtek(R) Audio", Flow: "render", Default: true},
	{ID: "sim-cable-output", Name: "CABLE Output (VB-Audio Virtual Cable)", Description: "VB-Audio Virtual Cable", Flow: "capture"},
	{ID: "sim-cable-input", Name: "CABLE Input (VB-Audio Virtual Cable)", Description: "VB-Audio Virtual Cable", Flow: "render"},
}

func newPlatform(ctx context.Context, cfg config.Config, logger *slog.Logger) (*platform, error) {
	p := &platform{close: func() error { return nil }}
	log := logger.With(slog.String("component", "platform"))

	var endpoints []device.Endpoint
	switch cfg.Devices.Source {
	case "simulated":
		fixtures := cfg.Devices.Simulated
		if len(fixtures) == 0 {
			fixtures = defaultSimulatedDevices
		}
		mem := policy.NewMemoryPolicy()
		for _, d := range fixtures {
			flow, err := device.ParseFlow(d.Flow)
			if err != nil {
				return nil, fmt.Errorf("simulated device %s: %w", d.ID, err)
			}
			ep := device.Endpoint{ID: d.ID, Name: d.Name, Description: d.Description, Flow: flow, State: device.StateActive}
			endpoints = append(endpoints, ep)
			if d.Default {
				mem.Assign(d.ID, flow, policy.Multimedia, policy.Communications)
			}
		}
		p.catalog = device.NewCatalog(device.NewStaticEnumerator(endpoints...))
		p.policy = mem
		log.Info("using simulated devices", slog.Int("endpoints", len(endpoints)))
	default:
		p.catalog = device.NewCatalog(device.NewSystemEnumerator())
		p.policy = policy.NewSystemPolicy()
	}

	switch cfg.Audio.Backend {
	case "simulated":
		if endpoints == nil {
			eps, err := p.catalog.Enumerate(ctx)
			if err != nil {
				return nil, fmt.Errorf("enumerate devices for simulated backend: %w", err)
			}
			endpoints = eps
		}
		p.backend = audio.NewSimulatedBackend(false, endpoints...)
		log.Info("using simulated audio backend")
	default:
		backend, err := portaudio.New()
		if err != nil {
			return nil, fmt.Errorf("init portaudio: %w", err)
		}
		p.backend = backend
		p.close = backend.Close
		if cfg.Devices.Source == "simulated" {
			log.Warn("simulated devices with the portaudio backend only resolve when names match real devices")
		}
	}
	return p, nil
}
