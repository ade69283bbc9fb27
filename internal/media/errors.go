package media

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

var (
	// ErrPermissionDenied means the user or the OS refused access to a device.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceUnavailable covers missing, busy or broken capture devices.
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// Error is returned by sources when capture fails. errors.Is matches both the
// classification (ErrPermissionDenied / ErrDeviceUnavailable) and the cause.
type Error struct {
	Kind        error
	Constraints Constraints
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acquire local media (audio=%v video=%v): %v: %v",
		e.Constraints.Audio, e.Constraints.Video, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// UserMessage is a short caller-facing explanation.
func (e *Error) UserMessage() string {
	if errors.Is(e.Kind, ErrPermissionDenied) {
		return "Camera or microphone access was denied. Allow access and try again."
	}
	return "No usable camera or microphone was found. Check your devices and try again."
}

// Classify wraps a capture failure into an *Error, deciding between a
// permission problem and a device problem.
func Classify(c Constraints, err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}

	kind := ErrDeviceUnavailable
	switch {
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		strings.Contains(strings.ToLower(err.Error()), "permission denied"):
		kind = ErrPermissionDenied
	}
	return &Error{Kind: kind, Constraints: c, Err: err}
}
