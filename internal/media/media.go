// Package media owns local capture: device acquisition, the per-call track
// flags (muted / video-enabled), and release. Coupling to the transport layer
// runs the other way — internal/transport type-asserts tracks it is handed.
package media

import "errors"

// ErrDeviceUnavailable is returned by Acquire when no capture device exists
// or permission was denied.
var ErrDeviceUnavailable = errors.New("media: device unavailable")

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Track is one local capture track. SetEnabled is a pure local flag — no
// renegotiation happens when a track is muted or re-enabled.
type Track interface {
	Kind() TrackKind
	SetEnabled(bool)
	Enabled() bool
	Close() error
}

// Stream is a set of local tracks acquired together.
type Stream interface {
	Tracks() []Track
}

// Devices acquires local capture devices. The mediadevices-backed provider
// lives behind a linux build tag; tests supply fakes.
type Devices interface {
	GetUserMedia(audio, video bool) (Stream, error)
}
