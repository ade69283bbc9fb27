//go:build !devices

package media

// NewDeviceSource reports that device capture was not compiled in. Rebuild
// with -tags devices to enable pion/mediadevices capture.
func NewDeviceSource() (Source, error) {
	return nil, &Error{Kind: ErrDeviceUnavailable, Err: errNoDevices}
}
