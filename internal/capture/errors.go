package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMethodSelected is returned by Start when no method flag is set
	ErrNoMethodSelected = errors.New("no capture method selected")

	// ErrStopped is returned once Quit has been called
	ErrStopped = errors.New("capture coordinator stopped")
)

// BackendInitError reports that a backend failed to acquire its native resource
type BackendInitError struct {
	Method Method
	Err    error
}

func (e *BackendInitError) Error() string {
	return fmt.Sprintf("failed to open %s backend: %v", e.Method, e.Err)
}

func (e *BackendInitError) Unwrap() error { return e.Err }

// DeviceNotFoundError reports that camera auto-probing found no device
// with the expected backend API.
type DeviceNotFoundError struct {
	API    string
	Probed int
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("no capture device with backend %q among the first %d indices", e.API, e.Probed)
}

func wrapInitError(m Method, err error) error {
	var initErr *BackendInitError
	if errors.As(err, &initErr) {
		return err
	}
	return &BackendInitError{Method: m, Err: err}
}
