//go:build windows

package policy

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/loqalabs/loqa-bridge/internal/device"
	"github.com/loqalabs/loqa-bridge/internal/wincom"
	"github.com/moutend/go-wca/pkg/wca"
)

// Undocumented IPolicyConfig (Windows 7 and later); the only API that can
// change the system default endpoint.
var (
	clsidPolicyConfigClient = ole.NewGUID("{870AF99C-171D-4F9E-AF0D-E63DF40C2BC9}")
	iidPolicyConfig         = ole.NewGUID("{F8679F50-850A-41CF-9C72-430F290290C8}")
)

type iPolicyConfig struct {
	ole.IUnknown
}

type iPolicyConfigVtbl struct {
	ole.IUnknownVtbl
	GetMixFormat          uintptr
	GetDeviceFormat       uintptr
	ResetDeviceFormat     uintptr
	SetDeviceFormat       uintptr
	GetProcessingPeriod   uintptr
	SetProcessingPeriod   uintptr
	GetShareMode          uintptr
	SetShareMode          uintptr
	GetPropertyValue      uintptr
	SetPropertyValue      uintptr
	SetDefaultEndpoint    uintptr
	SetEndpointVisibility uintptr
}

func (p *iPolicyConfig) vtbl() *iPolicyConfigVtbl {
	return (*iPolicyConfigVtbl)(unsafe.Pointer(p.RawVTable))
}

func (p *iPolicyConfig) setDefaultEndpoint(id string, role uint32) error {
	wid, err := syscall.UTF16PtrFromString(id)
	if err != nil {
		return err
	}
	hr, _, _ := syscall.SyscallN(p.vtbl().SetDefaultEndpoint,
		uintptr(unsafe.Pointer(p)),
		uintptr(unsafe.Pointer(wid)),
		uintptr(role))
	if hr != 0 {
		return &StatusError{Op: "IPolicyConfig.SetDefaultEndpoint", Status: uint32(hr)}
	}
	return nil
}

// SystemPolicy talks to the Windows audio policy service.
type SystemPolicy struct{}

func NewSystemPolicy() *SystemPolicy { return &SystemPolicy{} }

func (SystemPolicy) DefaultEndpoint(flow device.Flow, role Role) (string, error) {
	var id string
	err := wincom.Do(func() error {
		var mmde *wca.IMMDeviceEnumerator
		if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &mmde); err != nil {
			return fmt.Errorf("create device enumerator: %w", err)
		}
		defer mmde.Release()

		dataFlow := uint32(wca.ERender)
		if flow == device.Capture {
			dataFlow = wca.ECapture
		}
		var mmd *wca.IMMDevice
		if err := mmde.GetDefaultAudioEndpoint(dataFlow, readRole(role), &mmd); err != nil {
			return fmt.Errorf("default %s endpoint for %s: %w", flow, role, err)
		}
		defer mmd.Release()
		return mmd.GetId(&id)
	})
	return id, err
}

// SetDefaultEndpoint applies the role to the endpoint's own flow. The
// multimedia role covers both the console and multimedia OS roles, which is
// what the Sound control panel does.
func (SystemPolicy) SetDefaultEndpoint(id string, role Role) error {
	return wincom.Do(func() error {
		unk, err := ole.CreateInstance(clsidPolicyConfigClient, iidPolicyConfig)
		if err != nil {
			return fmt.Errorf("create policy config: %w: %w", ErrPolicyAPI, err)
		}
		pc := (*iPolicyConfig)(unsafe.Pointer(unk))
		defer pc.Release()

		for _, r := range writeRoles(role) {
			if err := pc.setDefaultEndpoint(id, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func readRole(role Role) uint32 {
	if role == Communications {
		return wca.ECommunications
	}
	return wca.EConsole
}

func writeRoles(role Role) []uint32 {
	if role == Communications {
		return []uint32{wca.ECommunications}
	}
	return []uint32{wca.EConsole, wca.EMultimedia}
}
