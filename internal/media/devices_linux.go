//go:build linux && cgo

package media

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// captureDevices acquires camera/mic via pion/mediadevices (V4L2 + malgo).
// It also carries the codec selector, which must be populated into the
// MediaEngine of any PeerConnection the resulting tracks are added to — the
// transport provider picks that up through ConfigureMediaEngine.
type captureDevices struct {
	codec *mediadevices.CodecSelector
}

// NewDevices builds the VP8+Opus capture provider.
func NewDevices() (Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &captureDevices{
		codec: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureMediaEngine registers the capture codecs on a PeerConnection's
// MediaEngine. Called by the transport provider when building its API.
func (d *captureDevices) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	d.codec.Populate(me)
	return nil
}

func (d *captureDevices) GetUserMedia(audio, video bool) (Stream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("no media devices found")
	}
	for _, dev := range devices {
		log.Printf("MEDIA: device — kind=%v label=%q", dev.Kind, dev.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.codec}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding latency.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia: %w", err)
	}

	var tracks []Track
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})
		tracks = append(tracks, newDeviceTrack(t))
	}
	return &deviceStream{tracks: tracks}, nil
}

type deviceStream struct {
	tracks []Track
}

func (s *deviceStream) Tracks() []Track { return s.tracks }

// deviceTrack wraps a mediadevices track. The enabled flag is local-only —
// mediadevices has no per-track pause, so mute is modelled as a flag the UI
// and session read, exactly like a disabled RTCRtpSender.
type deviceTrack struct {
	t mediadevices.Track

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	return &deviceTrack{t: t, enabled: true}
}

func (d *deviceTrack) Kind() TrackKind {
	if d.t.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (d *deviceTrack) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *deviceTrack) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.t.Close()
}

// RTPTrack exposes the underlying track for PeerConnection.AddTrack.
func (d *deviceTrack) RTPTrack() webrtc.TrackLocal { return d.t }
