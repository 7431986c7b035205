package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView exposes the pause switches controlled by the protocol owner.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects operations against a paused module. A nil view means pausing
// is not configured and the guard passes.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
