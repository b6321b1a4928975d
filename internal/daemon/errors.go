package daemon

import (
	"errors"
	"fmt"
)

var (
	// ErrBinaryNotFound is returned when the daemon executable cannot be resolved.
	ErrBinaryNotFound = errors.New("motion binary not found")

	// ErrShutdownFailed is returned when the daemon survives SIGKILL and no
	// reboot fallback is configured.
	ErrShutdownFailed = errors.New("motion could not be stopped")

	// ErrUnknownCamera is returned for ids that are not enabled local cameras.
	ErrUnknownCamera = errors.New("camera is not managed by motion")

	// ErrUnexpectedResponse is returned when the control channel answers with
	// something other than the expected status text.
	ErrUnexpectedResponse = errors.New("unexpected response from motion")
)

// LaunchError reports a daemon that exited while starting up.
type LaunchError struct {
	ExitCode int
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("motion exited during startup with code %d", e.ExitCode)
}
