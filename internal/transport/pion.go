package transport

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/parley/internal/media"
)

// pliInterval is how often a keyframe request is sent for inbound video.
// Without periodic PLI a lost keyframe can freeze the remote picture for
// the rest of the call.
const pliInterval = 3 * time.Second

// MediaEngineConfigurer lets the capture layer register its codecs on the
// MediaEngine. The mediadevices provider implements this; without it the
// default codecs are used.
type MediaEngineConfigurer interface {
	ConfigureMediaEngine(*webrtc.MediaEngine) error
}

// PionProvider builds pion PeerConnections configured for calls.
type PionProvider struct {
	cfgr MediaEngineConfigurer

	mu         sync.RWMutex
	iceServers []string
}

type Option func(*PionProvider)

// WithMediaEngineConfigurer wires the capture layer's codec registration.
func WithMediaEngineConfigurer(c MediaEngineConfigurer) Option {
	return func(p *PionProvider) { p.cfgr = c }
}

func NewPionProvider(iceServers []string, opts ...Option) *PionProvider {
	p := &PionProvider{iceServers: append([]string(nil), iceServers...)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetICEServers swaps the STUN/TURN list. Applies to transports created from
// now on; live connections keep their original configuration.
func (p *PionProvider) SetICEServers(urls []string) {
	p.mu.Lock()
	p.iceServers = append([]string(nil), urls...)
	p.mu.Unlock()
}

func (p *PionProvider) NewTransport() (Transport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if p.cfgr != nil {
		if err := p.cfgr.ConfigureMediaEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is far too
	// short for paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	p.mu.RLock()
	servers := make([]webrtc.ICEServer, 0, len(p.iceServers))
	for _, u := range p.iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	p.mu.RUnlock()

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &pionTransport{pc: pc, done: make(chan struct{})}
	return t, nil
}

type pionTransport struct {
	pc   *webrtc.PeerConnection
	done chan struct{}

	closeOnce   sync.Once
	tracksAdded atomic.Int32

	audioPackets atomic.Uint64
	audioBytes   atomic.Uint64
	videoPackets atomic.Uint64
	videoBytes   atomic.Uint64
}

func (t *pionTransport) AddTrack(tr media.Track) error {
	lt, ok := tr.(interface{ RTPTrack() webrtc.TrackLocal })
	if !ok {
		return fmt.Errorf("track %s has no RTP representation", tr.Kind())
	}
	if _, err := t.pc.AddTrack(lt.RTPTrack()); err != nil {
		return fmt.Errorf("add %s track: %w", tr.Kind(), err)
	}
	t.tracksAdded.Add(1)
	return nil
}

// ensureDirections adds recvonly transceivers when no local track was added,
// so CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials even on a receive-only connection.
func (t *pionTransport) ensureDirections() {
	if t.tracksAdded.Load() > 0 {
		return
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("TRANSPORT: AddTransceiver(%s): %v", kind, err)
		}
	}
	t.tracksAdded.Add(1) // only once
}

func (t *pionTransport) CreateOffer() (Description, error) {
	t.ensureDirections()
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create offer: %w", err)
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *pionTransport) CreateAnswer() (Description, error) {
	t.ensureDirections()
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("create answer: %w", err)
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *pionTransport) SetLocalDescription(d Description) error {
	if err := t.pc.SetLocalDescription(toSessionDescription(d)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (t *pionTransport) SetRemoteDescription(d Description) error {
	if err := t.pc.SetRemoteDescription(toSessionDescription(d)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *pionTransport) AddICECandidate(c ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (t *pionTransport) OnICECandidate(fn func(ICECandidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker
		}
		init := c.ToJSON()
		out := ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

func (t *pionTransport) OnTrack(fn func(RemoteTrack)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &remoteTrack{t: track}
		go t.pumpRemote(track)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go t.sendPLI(track)
		}
		fn(rt)
	})
}

func (t *pionTransport) OnConnectionStateChange(fn func(ConnState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(toConnState(s))
	})
}

// pumpRemote drains inbound RTP so the interceptors keep running and counts
// traffic for the stats surface.
func (t *pionTransport) pumpRemote(track *webrtc.TrackRemote) {
	video := track.Kind() == webrtc.RTPCodecTypeVideo
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		t.countPacket(pkt, video)
	}
}

func (t *pionTransport) countPacket(pkt *rtp.Packet, video bool) {
	size := uint64(pkt.MarshalSize())
	if video {
		t.videoPackets.Add(1)
		t.videoBytes.Add(size)
	} else {
		t.audioPackets.Add(1)
		t.audioBytes.Add(size)
	}
}

// sendPLI periodically requests a keyframe for an inbound video track.
func (t *pionTransport) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := t.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				if !errors.Is(err, webrtc.ErrConnectionClosed) {
					log.Printf("TRANSPORT: PLI write: %v", err)
				}
				return
			}
		}
	}
}

func (t *pionTransport) Stats() Stats {
	return Stats{
		AudioPackets: t.audioPackets.Load(),
		AudioBytes:   t.audioBytes.Load(),
		VideoPackets: t.videoPackets.Load(),
		VideoBytes:   t.videoBytes.Load(),
	}
}

func (t *pionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.pc.Close()
	})
	return err
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string { return r.t.ID() }

func (r *remoteTrack) Kind() media.TrackKind {
	if r.t.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func toSessionDescription(d Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func toConnState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}
