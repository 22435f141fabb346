//go:build windows

package device

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-bridge/internal/wincom"
	"github.com/moutend/go-wca/pkg/wca"
)

// SystemEnumerator reads endpoints from the MMDevice API.
type SystemEnumerator struct{}

func NewSystemEnumerator() *SystemEnumerator { return &SystemEnumerator{} }

func (SystemEnumerator) Endpoints(ctx context.Context, flow Flow) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Endpoint
	err := wincom.Do(func() error {
		var mmde *wca.IMMDeviceEnumerator
		if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
			return fmt.Errorf("create device enumerator: %w", err)
		}
		defer mmde.Release()

		var dc *wca.IMMDeviceCollection
		if err := mmde.EnumAudioEndpoints(dataFlow(flow), wca.DEVICE_STATE_ACTIVE, &dc); err != nil {
			return fmt.Errorf("enumerate endpoints: %w", err)
		}
		defer dc.Release()

		var count uint32
		if err := dc.GetCount(&count); err != nil {
			return fmt.Errorf("count endpoints: %w", err)
		}
		for i := uint32(0); i < count; i++ {
			var mmd *wca.IMMDevice
			if err := dc.Item(i, &mmd); err != nil {
				return fmt.Errorf("endpoint %d: %w", i, err)
			}
			ep, err := describe(mmd, flow)
			mmd.Release()
			if err != nil {
				return err
			}
			out = append(out, ep)
		}
		return nil
	})
	return out, err
}

func describe(mmd *wca.IMMDevice, flow Flow) (Endpoint, error) {
	var id string
	if err := mmd.GetId(&id); err != nil {
		return Endpoint{}, fmt.Errorf("endpoint id: %w", err)
	}
	var state uint32
	if err := mmd.GetState(&state); err != nil {
		return Endpoint{}, fmt.Errorf("endpoint state %s: %w", id, err)
	}

	var ps *wca.IPropertyStore
	if err := mmd.OpenPropertyStore(wca.STGM_READ, &ps); err != nil {
		return Endpoint{}, fmt.Errorf("open property store %s: %w", id, err)
	}
	defer ps.Release()

	return Endpoint{
		ID:          id,
		Name:        property(ps, &wca.PKEY_Device_FriendlyName),
		Description: property(ps, &wca.PKEY_DeviceInterface_FriendlyName),
		Flow:        flow,
		State:       endpointState(state),
	}, nil
}

func property(ps *wca.IPropertyStore, key *wca.PROPERTYKEY) string {
	var pv wca.PROPVARIANT
	if err := ps.GetValue(key, &pv); err != nil {
		return ""
	}
	return pv.String()
}

func dataFlow(flow Flow) uint32 {
	if flow == Capture {
		return wca.ECapture
	}
	return wca.ERender
}

func endpointState(state uint32) State {
	switch state {
	case wca.DEVICE_STATE_ACTIVE:
		return StateActive
	case wca.DEVICE_STATE_DISABLED:
		return StateDisabled
	case wca.DEVICE_STATE_UNPLUGGED:
		return StateUnplugged
	}
	return StateNotPresent
}
