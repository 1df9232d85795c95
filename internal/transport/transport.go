// Package transport abstracts the peer connection used for a call. The
// negotiation engine drives this interface only; the pion implementation is
// the production path and tests substitute fakes.
package transport

import "github.com/petervdpas/parley/internal/media"

// Description is one SDP session description ("offer" or "answer").
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack is an inbound media track, handed to the UI layer as an opaque
// handle for attachment to a rendering surface.
type RemoteTrack interface {
	ID() string
	Kind() media.TrackKind
}

// Stats counts inbound RTP traffic per kind.
type Stats struct {
	AudioPackets uint64 `json:"audio_packets"`
	AudioBytes   uint64 `json:"audio_bytes"`
	VideoPackets uint64 `json:"video_packets"`
	VideoBytes   uint64 `json:"video_bytes"`
}

// Transport is one peer connection. Close is idempotent and safe to call
// concurrently with any in-flight operation; operations on a closed transport
// return errors rather than panicking.
type Transport interface {
	AddTrack(media.Track) error
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(Description) error
	SetRemoteDescription(Description) error
	AddICECandidate(ICECandidate) error
	OnICECandidate(func(ICECandidate))
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(ConnState))
	Stats() Stats
	Close() error
}

// Provider creates a fresh transport per call.
type Provider interface {
	NewTransport() (Transport, error)
}
