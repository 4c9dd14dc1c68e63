package firmware

import "errors"

// ErrRestartRequested is the cause attached to a service shutdown that was
// triggered by a completed update.
var ErrRestartRequested = errors.New("firmware: restart requested")

// Restarter reboots into the newly selected slot.
type Restarter interface {
	Restart(version string) error
}

// RestartFunc adapts a function to Restarter.
type RestartFunc func(version string) error

func (f RestartFunc) Restart(version string) error { return f(version) }
