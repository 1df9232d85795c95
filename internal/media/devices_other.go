//go:build !linux || !cgo

package media

import "fmt"

// NewDevices has no hardware capture path off Linux — pion/mediadevices
// drivers (V4L2, malgo) are Linux-only here, matching the desktop builds.
func NewDevices() (Devices, error) {
	return &noDevices{}, nil
}

type noDevices struct{}

func (*noDevices) GetUserMedia(audio, video bool) (Stream, error) {
	return nil, fmt.Errorf("no capture drivers on this platform")
}
