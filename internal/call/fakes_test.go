package call

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/parley/internal/media"
	"github.com/petervdpas/parley/internal/transport"
)

// ── media fakes ──

type fakeTrack struct {
	kind    media.TrackKind
	mu      sync.Mutex
	enabled bool
	closes  *int32 // shared close counter
}

func (t *fakeTrack) Kind() media.TrackKind { return t.kind }

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Close() error {
	atomic.AddInt32(t.closes, 1)
	return nil
}

type fakeStream struct{ tracks []media.Track }

func (s *fakeStream) Tracks() []media.Track { return s.tracks }

type fakeDevices struct {
	fail     bool
	block    chan struct{} // when set, GetUserMedia waits until closed
	acquired int32
	closes   int32
}

func (d *fakeDevices) GetUserMedia(audio, video bool) (media.Stream, error) {
	if d.block != nil {
		<-d.block
	}
	if d.fail {
		return nil, fmt.Errorf("camera unplugged")
	}
	atomic.AddInt32(&d.acquired, 1)
	tracks := []media.Track{&fakeTrack{kind: media.KindAudio, enabled: true, closes: &d.closes}}
	if video {
		tracks = append(tracks, &fakeTrack{kind: media.KindVideo, enabled: true, closes: &d.closes})
	}
	return &fakeStream{tracks: tracks}, nil
}

func (d *fakeDevices) acquireCount() int32 { return atomic.LoadInt32(&d.acquired) }
func (d *fakeDevices) closeCount() int32   { return atomic.LoadInt32(&d.closes) }

// ── transport fakes ──

type fakeRemoteTrack struct {
	id   string
	kind media.TrackKind
}

func (t *fakeRemoteTrack) ID() string            { return t.id }
func (t *fakeRemoteTrack) Kind() media.TrackKind { return t.kind }

// fakeTransport simulates ICE completing as soon as both descriptions are
// set, and announces one remote audio track right after.
type fakeTransport struct {
	mu         sync.Mutex
	local      *transport.Description
	remote     *transport.Description
	candidates []transport.ICECandidate
	tracks     []media.Track
	onICE      func(transport.ICECandidate)
	onTrack    func(transport.RemoteTrack)
	onState    func(transport.ConnState)
	closed     bool
	closes     int32

	// failOffer makes CreateOffer error.
	failOffer bool
}

func (f *fakeTransport) AddTrack(tr media.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, tr)
	return nil
}

func (f *fakeTransport) CreateOffer() (transport.Description, error) {
	if f.failOffer {
		return transport.Description{}, fmt.Errorf("no codecs")
	}
	return transport.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer() (transport.Description, error) {
	return transport.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(d transport.Description) error {
	f.mu.Lock()
	f.local = &d
	f.mu.Unlock()
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d transport.Description) error {
	f.mu.Lock()
	f.remote = &d
	f.mu.Unlock()
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) maybeConnect() {
	f.mu.Lock()
	ready := f.local != nil && f.remote != nil && !f.closed
	onState := f.onState
	onTrack := f.onTrack
	f.mu.Unlock()
	if !ready {
		return
	}
	go func() {
		if onState != nil {
			onState(transport.StateConnected)
		}
		if onTrack != nil {
			onTrack(&fakeRemoteTrack{id: "remote-audio", kind: media.KindAudio})
		}
	}()
}

func (f *fakeTransport) AddICECandidate(c transport.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(transport.ICECandidate)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnTrack(fn func(transport.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(transport.ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

// emitCandidate pushes a local candidate through the OnICECandidate wire.
func (f *fakeTransport) emitCandidate(c transport.ICECandidate) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeTransport) addedCandidates() []transport.ICECandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.ICECandidate(nil), f.candidates...)
}

func (f *fakeTransport) Stats() transport.Stats { return transport.Stats{} }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	atomic.AddInt32(&f.closes, 1)
	return nil
}

func (f *fakeTransport) closeCount() int32 { return atomic.LoadInt32(&f.closes) }

type fakeProvider struct {
	mu        sync.Mutex
	made      []*fakeTransport
	failOffer bool // new transports refuse CreateOffer
}

func (p *fakeProvider) NewTransport() (transport.Transport, error) {
	p.mu.Lock()
	tr := &fakeTransport{failOffer: p.failOffer}
	p.made = append(p.made, tr)
	p.mu.Unlock()
	return tr, nil
}

func (p *fakeProvider) last() *fakeTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.made) == 0 {
		return nil
	}
	return p.made[len(p.made)-1]
}
