package media

import "errors"

var errNoDevices = errors.New("no capture devices found")
