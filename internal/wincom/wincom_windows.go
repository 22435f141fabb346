//go:build windows

// Package wincom runs COM calls on a locked, initialised OS thread.
package wincom

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/go-ole/go-ole"
)

// S_FALSE means COM was already initialised on this thread.
const sFalse = 0x00000001

// Do executes fn on a thread with COM initialised for the apartment model
// the MMDevice API expects.
func Do(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return fmt.Errorf("failed to initialize COM: %w", err)
		}
	}
	defer ole.CoUninitialize()

	return fn()
}
