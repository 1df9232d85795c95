package media

import (
	"fmt"
	"log"
	"sync"
)

// AddsTracks is the slice of the transport a Session needs for attachment.
type AddsTracks interface {
	AddTrack(Track) error
}

// Session owns the local device stream for exactly one call. It is created
// fresh per call and destroyed on every teardown path — a stream handle never
// leaks across calls.
type Session struct {
	dev Devices

	mu           sync.Mutex
	stream       Stream
	audio        Track
	video        Track
	muted        bool
	videoEnabled bool
	released     bool
}

func NewSession(dev Devices) *Session {
	return &Session{dev: dev, videoEnabled: true}
}

// Acquire requests local audio (always) and video (if includeVideo) capture
// and holds the device open until Release. Fails with ErrDeviceUnavailable
// when no device can be opened.
func (s *Session) Acquire(includeVideo bool) error {
	stream, err := s.dev.GetUserMedia(true, includeVideo)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		// Torn down while GetUserMedia was pending (user hung up during the
		// permission prompt). Close what we got and report unavailable.
		for _, t := range stream.Tracks() {
			_ = t.Close()
		}
		return fmt.Errorf("%w: session already released", ErrDeviceUnavailable)
	}

	s.stream = stream
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case KindAudio:
			s.audio = t
		case KindVideo:
			s.video = t
		}
	}
	if s.audio == nil {
		s.releaseLocked()
		return fmt.Errorf("%w: no audio track", ErrDeviceUnavailable)
	}
	log.Printf("MEDIA: acquired local stream (video=%v, %d tracks)", includeVideo, len(stream.Tracks()))
	return nil
}

// AttachTo adds all local tracks to the given transport.
func (s *Session) AttachTo(tr AddsTracks) error {
	s.mu.Lock()
	tracks := []Track{}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		if err := tr.AddTrack(t); err != nil {
			return fmt.Errorf("attach %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

// SetMuted toggles the local audio flag. No-op without an audio track.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return
	}
	s.muted = muted
	s.audio.SetEnabled(!muted)
}

// SetVideoEnabled toggles the local video flag. No-op on a voice-only call.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video == nil {
		return
	}
	s.videoEnabled = enabled
	s.video.SetEnabled(enabled)
}

// Muted reports the local audio flag.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// VideoEnabled reports the local video flag.
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video != nil && s.videoEnabled
}

// HasVideo reports whether a local video track exists.
func (s *Session) HasVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video != nil
}

// Release stops all local tracks and frees the device. Idempotent — safe to
// call multiple times and on a session that never acquired a device.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Session) releaseLocked() {
	if s.released {
		return
	}
	s.released = true
	if s.stream != nil {
		for _, t := range s.stream.Tracks() {
			if err := t.Close(); err != nil {
				log.Printf("MEDIA: close %s track: %v", t.Kind(), err)
			}
		}
		log.Printf("MEDIA: local stream released")
	}
	s.stream = nil
	s.audio = nil
	s.video = nil
}
