// Package call is the call lifecycle manager: one state machine per peer
// moving calls from ringing through negotiation to active and into exactly
// one terminal status, releasing the capture device and transport on every
// exit path.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/media"
	"github.com/petervdpas/parley/internal/signal"
	"github.com/petervdpas/parley/internal/transport"
)

// Directory is the slice of the call directory the manager consumes.
type Directory interface {
	CreateCall(ctx context.Context, callerID, recipientID string, ct directory.CallType) (*directory.Call, error)
	UpdateCallStatus(ctx context.Context, id string, upd directory.StatusUpdate) error
	GetCall(ctx context.Context, id string) (*directory.Call, error)
	SubscribeIncoming(localID string) (<-chan *directory.Call, func())
	SubscribeStatus(callID string) (<-chan *directory.Call, func())
}

// Event types delivered to UI subscribers.
const (
	EventIncoming    = "incoming-call"
	EventState       = "state-changed"
	EventRemoteTrack = "remote-track"
)

// Event is one notification to the UI layer.
type Event struct {
	Type  string
	Call  *directory.Call
	State State
	Track transport.RemoteTrack
}

// Manager runs at most one call at a time for one local peer.
type Manager struct {
	selfID     string
	dir        Directory
	signals    signal.Provider
	transports transport.Provider
	devices    media.Devices

	// announce, when set, broadcasts freshly created call records so the
	// remote directory learns about them. Nil in tests that share one
	// directory between both managers.
	announce func(*directory.Call) error

	mu        sync.Mutex
	state     State
	current   *active
	handled   map[string]bool
	listeners map[chan Event]struct{}

	// pendingCancel records an EndCall that arrived while StartCall was
	// still blocked acquiring the device, before any bundle existed.
	pendingCancel bool

	cancelIncoming func()
	closeOnce      sync.Once
}

// active is the per-call bundle of resources. Everything in it dies together
// in finish, exactly once. The session, transport and negotiator slots fill
// in as setup progresses; once finished is set no slot accepts a late
// arrival, so a setup step that lost the race to teardown keeps ownership
// of whatever it built and releases it itself.
type active struct {
	call *directory.Call
	role string
	ch   signal.Channel

	mu           sync.Mutex
	session      *media.Session
	tr           transport.Transport
	neg          *negotiator
	cancelHangup func()
	cancelStatus func()
	answeredAt   *time.Time
	finished     bool

	finishOnce sync.Once
}

func (a *active) answered() *time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.answeredAt
}

func (a *active) markAnswered(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.answeredAt == nil {
		a.answeredAt = &t
	}
}

func (a *active) done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}

// adoptSession installs a session acquired outside the bundle. Acquire can
// block for as long as an OS permission prompt stays open, and the call may
// be torn down in the meantime; a false return means teardown already ran
// and the caller still owns the session.
func (a *active) adoptSession(s *media.Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return false
	}
	a.session = s
	return true
}

// adoptTransport installs the peer connection and its negotiator, under the
// same finished guard as adoptSession.
func (a *active) adoptTransport(tr transport.Transport, neg *negotiator) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finished {
		return false
	}
	a.tr = tr
	a.neg = neg
	return true
}

func (a *active) mediaSession() *media.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *active) transportRef() transport.Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tr
}

func NewManager(selfID string, dir Directory, signals signal.Provider, transports transport.Provider, devices media.Devices) *Manager {
	return &Manager{
		selfID:     selfID,
		dir:        dir,
		signals:    signals,
		transports: transports,
		devices:    devices,
		state:      StateIdle,
		handled:    make(map[string]bool),
		listeners:  make(map[chan Event]struct{}),
	}
}

// SetAnnounce installs the invite broadcast hook. Must be called before Start.
func (m *Manager) SetAnnounce(fn func(*directory.Call) error) {
	m.announce = fn
}

// Start begins watching the directory for incoming calls.
func (m *Manager) Start() {
	ch, cancel := m.dir.SubscribeIncoming(m.selfID)
	m.mu.Lock()
	m.cancelIncoming = cancel
	m.mu.Unlock()

	go func() {
		for call := range ch {
			m.handleIncoming(call)
		}
	}()
}

// Close ends any call in flight and stops the incoming watcher.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancelIncoming
		m.cancelIncoming = nil
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = m.EndCall(context.Background())
	})
}

// Subscribe returns a channel of UI events. Slow consumers lose events
// rather than blocking call progress.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.mu.Lock()
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(ev)
}

func (m *Manager) emitLocked(ev Event) {
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
			log.Printf("CALL: event listener full, dropping %s", ev.Type)
		}
	}
}

// StartCall rings recipientID. The capture device is acquired before the
// call record exists, so a dead microphone never produces a phantom ring on
// the other side.
func (m *Manager) StartCall(ctx context.Context, recipientID string, ct directory.CallType) (*directory.Call, error) {
	session := media.NewSession(m.devices)

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil, ErrAlreadyInCall
	}
	m.state = StateOutgoingRinging
	m.pendingCancel = false
	m.mu.Unlock()

	rollback := func() {
		session.Release()
		m.mu.Lock()
		if m.current == nil {
			m.state = StateIdle
		}
		m.mu.Unlock()
	}

	if err := session.Acquire(ct == directory.TypeVideo); err != nil {
		rollback()
		return nil, err
	}

	// An EndCall issued while Acquire sat on the permission prompt lands
	// here, before the record exists and before anything rings remotely.
	if m.takePendingCancel() {
		rollback()
		return nil, ErrCallCancelled
	}

	call, err := m.dir.CreateCall(ctx, m.selfID, recipientID, ct)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("create call record: %w", err)
	}

	if m.announce != nil {
		if err := m.announce(call); err != nil {
			log.Printf("CALL: announce call %s: %v", call.ID, err)
		}
	}

	a, err := m.openResources(call, signal.RoleInitiator, session)
	if err != nil {
		rollback()
		if !errors.Is(err, errCallDone) {
			endedAt := time.Now()
			upd := terminalUpdate(directory.StatusEnded, nil, call.StartedAt)
			upd.EndedAt = &endedAt
			_ = m.dir.UpdateCallStatus(ctx, call.ID, upd)
		}
		return nil, err
	}

	a.neg.onAnswered = func() {
		now := time.Now()
		a.markAnswered(now)
		err := m.dir.UpdateCallStatus(context.Background(), call.ID, directory.StatusUpdate{
			Status:     directory.StatusAnswered,
			AnsweredAt: &now,
		})
		if err != nil {
			log.Printf("CALL: record answer for %s: %v", call.ID, err)
		}
		m.setState(a, StateNegotiating)
	}

	// Register before the remaining fallible steps. From here, any finish,
	// whoever triggers it, sees this bundle as the one in flight and resets
	// the state machine on its way out.
	m.mu.Lock()
	m.current = a
	m.handled[call.ID] = true
	cancelled := m.pendingCancel
	m.pendingCancel = false
	m.emitLocked(Event{Type: EventState, State: StateOutgoingRinging, Call: call.Clone()})
	m.mu.Unlock()

	if m.reapIfFinished(a) {
		return nil, errCallDone
	}
	if cancelled {
		m.finish(a, directory.StatusMissed, true, "cancelled")
		return nil, ErrCallCancelled
	}

	m.watchStatus(a)

	if err := a.neg.start(); err != nil {
		if !errors.Is(err, errCallDone) {
			m.finish(a, directory.StatusEnded, true, "")
		}
		return nil, err
	}

	log.Printf("CALL: ringing %s (%s call %s)", recipientID, ct, call.ID)
	return call.Clone(), nil
}

// takePendingCancel consumes a cancellation flagged before the call bundle
// was registered.
func (m *Manager) takePendingCancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.pendingCancel
	m.pendingCancel = false
	return c
}

// reapIfFinished backs the state machine out of a bundle whose teardown ran
// before registration completed, in which case that finish could not see
// itself as the call in flight.
func (m *Manager) reapIfFinished(a *active) bool {
	if !a.done() {
		return false
	}
	m.mu.Lock()
	if m.current == a {
		m.current = nil
		m.state = StateIdle
		m.emitLocked(Event{Type: EventState, State: StateIdle, Call: a.call.Clone()})
	}
	m.mu.Unlock()
	return true
}

// handleIncoming surfaces a newly ringing call. While another call is in
// flight the new one is left ringing; the ring timeout will mark it missed.
func (m *Manager) handleIncoming(call *directory.Call) {
	m.mu.Lock()
	if m.handled[call.ID] {
		m.mu.Unlock()
		return
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		log.Printf("CALL: busy, leaving call %s ringing", call.ID)
		return
	}
	m.handled[call.ID] = true
	m.state = StateIncomingRinging
	m.mu.Unlock()

	a, err := m.openResourcesLite(call, signal.RoleResponder)
	if err != nil {
		log.Printf("CALL: open signaling for %s: %v", call.ID, err)
		m.mu.Lock()
		delete(m.handled, call.ID)
		m.state = StateIdle
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.current = a
	m.emitLocked(Event{Type: EventIncoming, Call: call.Clone()})
	m.emitLocked(Event{Type: EventState, State: StateIncomingRinging, Call: call.Clone()})
	m.mu.Unlock()

	if m.reapIfFinished(a) {
		return
	}

	m.watchStatus(a)
	log.Printf("CALL: incoming %s call %s from %s", call.CallType, call.ID, call.CallerID)
}

// AnswerCall accepts the ringing incoming call. Answering a call that is
// already being answered, or that this manager no longer holds, is a no-op.
func (m *Manager) AnswerCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	a := m.current
	if a == nil || a.call.ID != callID {
		m.mu.Unlock()
		return ErrNoSuchCall
	}
	if m.state != StateIncomingRinging {
		m.mu.Unlock()
		return nil // already answered (or past it)
	}
	m.state = StateNegotiating
	m.mu.Unlock()

	session := media.NewSession(m.devices)
	if err := session.Acquire(a.call.CallType == directory.TypeVideo); err != nil {
		m.finish(a, directory.StatusEnded, true, "ended")
		return err
	}

	// A hangup may have landed while Acquire was blocked. Teardown already
	// ran without a session to release, so this one is ours to put back.
	if !a.adoptSession(session) {
		session.Release()
		return nil
	}

	now := time.Now()
	a.markAnswered(now)
	if err := m.dir.UpdateCallStatus(ctx, callID, directory.StatusUpdate{
		Status:     directory.StatusAnswered,
		AnsweredAt: &now,
	}); err != nil {
		log.Printf("CALL: record answer for %s: %v", callID, err)
	}

	if err := m.attachTransport(a, session); err != nil {
		if errors.Is(err, errCallDone) {
			return nil
		}
		m.finish(a, directory.StatusEnded, true, "ended")
		return err
	}

	if err := a.neg.start(); err != nil {
		if errors.Is(err, errCallDone) {
			return nil
		}
		m.finish(a, directory.StatusEnded, true, "ended")
		return err
	}

	m.emit(Event{Type: EventState, State: StateNegotiating, Call: a.call.Clone()})
	log.Printf("CALL: answered %s", callID)
	return nil
}

// RejectCall declines the ringing incoming call. No-op for calls this
// manager is not ringing on.
func (m *Manager) RejectCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	a := m.current
	ok := a != nil && a.call.ID == callID && m.state == StateIncomingRinging
	m.mu.Unlock()
	if !ok {
		return nil
	}
	log.Printf("CALL: rejected %s", callID)
	m.finish(a, directory.StatusRejected, true, "rejected")
	return nil
}

// EndCall hangs up whatever is in flight. An outgoing call hung up before
// the remote answered is recorded as missed; after answer it is ended with
// its duration. Idle is a no-op.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	a := m.current
	st := m.state
	if a == nil {
		// A StartCall may still be blocked in device acquisition, with no
		// bundle registered yet. Flag it so it backs out when it resumes.
		if st == StateOutgoingRinging {
			m.pendingCancel = true
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if st == StateEnding {
		return nil
	}

	switch st {
	case StateIncomingRinging:
		m.finish(a, directory.StatusRejected, true, "rejected")
	case StateOutgoingRinging:
		if a.answered() == nil {
			m.finish(a, directory.StatusMissed, true, "cancelled")
			break
		}
		m.finish(a, directory.StatusEnded, true, "ended")
	default:
		m.finish(a, directory.StatusEnded, true, "ended")
	}
	return nil
}

// ToggleMute flips the local audio flag and returns the new muted value.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()
	if a == nil {
		return false
	}
	session := a.mediaSession()
	if session == nil {
		return false
	}
	muted := !session.Muted()
	session.SetMuted(muted)
	return muted
}

// ToggleVideo flips the local video flag and returns the new enabled value.
// Voice-only calls stay put.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()
	if a == nil {
		return false
	}
	session := a.mediaSession()
	if session == nil || !session.HasVideo() {
		return false
	}
	enabled := !session.VideoEnabled()
	session.SetVideoEnabled(enabled)
	return enabled
}

// Snapshot is the manager's current position, for status surfaces.
type Snapshot struct {
	State        string          `json:"state"`
	Call         *directory.Call `json:"call,omitempty"`
	Muted        bool            `json:"muted"`
	VideoEnabled bool            `json:"video_enabled"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{State: m.state.String()}
	a := m.current
	m.mu.Unlock()
	if a != nil {
		snap.Call = a.call.Clone()
		if session := a.mediaSession(); session != nil {
			snap.Muted = session.Muted()
			snap.VideoEnabled = session.VideoEnabled()
		}
	}
	return snap
}

// SessionStats returns inbound traffic counters for the call in flight.
func (m *Manager) SessionStats(callID string) (transport.Stats, error) {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()
	if a == nil || a.call.ID != callID {
		return transport.Stats{}, ErrNoSuchCall
	}
	tr := a.transportRef()
	if tr == nil {
		return transport.Stats{}, ErrNoSuchCall
	}
	return tr.Stats(), nil
}

// openResources builds the full per-call bundle for the initiator: topic,
// transport with local tracks attached, and the negotiator.
func (m *Manager) openResources(call *directory.Call, role string, session *media.Session) (*active, error) {
	a, err := m.openResourcesLite(call, role)
	if err != nil {
		return nil, err
	}
	if !a.adoptSession(session) {
		// Torn down already (remote hangup beat us); finish closed the
		// topic, and the session goes back with the caller.
		return nil, errCallDone
	}
	if err := m.attachTransport(a, session); err != nil {
		if errors.Is(err, errCallDone) {
			return nil, err
		}
		m.finish(a, directory.StatusEnded, false, "")
		return nil, err
	}
	return a, nil
}

// openResourcesLite opens the signaling topic and hangup watcher only. The
// responder stays here until the user answers; no device or transport is
// touched while ringing.
func (m *Manager) openResourcesLite(call *directory.Call, role string) (*active, error) {
	ch, err := m.signals.OpenTopic(call.ID)
	if err != nil {
		return nil, negErr("signal", err)
	}
	a := &active{call: call.Clone(), role: role, ch: ch}
	cancel := ch.Subscribe(func(env signal.Envelope) {
		if env.Event != signal.EventHangup {
			return
		}
		var p signal.HangupPayload
		if err := env.Decode(&p); err != nil {
			log.Printf("CALL: bad hangup payload: %v", err)
			p.Reason = "ended"
		}
		log.Printf("CALL: remote hangup on %s (%s)", call.ID, p.Reason)
		m.finish(a, reasonStatus(p.Reason), true, "")
	})
	a.mu.Lock()
	a.cancelHangup = cancel
	a.mu.Unlock()
	return a, nil
}

// attachTransport creates the peer connection, adds local tracks and builds
// the negotiator with the shared callbacks.
func (m *Manager) attachTransport(a *active, session *media.Session) error {
	tr, err := m.transports.NewTransport()
	if err != nil {
		return negErr("offer", fmt.Errorf("create transport: %w", err))
	}

	if err := session.AttachTo(tr); err != nil {
		_ = tr.Close()
		return negErr("offer", err)
	}

	tr.OnTrack(func(t transport.RemoteTrack) {
		m.emit(Event{Type: EventRemoteTrack, Call: a.call.Clone(), Track: t})
	})

	neg := newNegotiator(a.role, tr, a.ch)
	neg.onConnected = func() {
		m.setState(a, StateActive)
		log.Printf("CALL: %s connected", a.call.ID)
	}
	neg.onFailed = func(err error) {
		log.Printf("CALL: %s failed: %v", a.call.ID, err)
		m.finish(a, directory.StatusEnded, true, "ended")
	}

	if !a.adoptTransport(tr, neg) {
		_ = tr.Close()
		return errCallDone
	}
	return nil
}

// watchStatus follows directory updates so externally applied transitions
// (ring timeout marking missed, the other side finishing first through a
// shared store) tear this side down too.
func (m *Manager) watchStatus(a *active) {
	ch, cancel := m.dir.SubscribeStatus(a.call.ID)
	a.mu.Lock()
	if a.finished {
		a.mu.Unlock()
		cancel()
		return
	}
	a.cancelStatus = cancel
	a.mu.Unlock()
	go func() {
		for call := range ch {
			if call.Status.Terminal() {
				m.finish(a, call.Status, false, "")
				return
			}
		}
	}()
}

// setState moves the in-flight call forward. Answer confirmation and ICE
// connection can land in either order, so a transition that would move
// backwards (connected already, answer recorded late) is dropped.
func (m *Manager) setState(a *active, st State) {
	m.mu.Lock()
	if m.current != a || st <= m.state {
		m.mu.Unlock()
		return
	}
	m.state = st
	m.emitLocked(Event{Type: EventState, State: st, Call: a.call.Clone()})
	m.mu.Unlock()
}

// finish is the single teardown path. Exactly one caller wins; every
// resource in the bundle is released regardless of which side or subsystem
// initiated the end.
func (m *Manager) finish(a *active, st directory.CallStatus, updateDir bool, publishReason string) {
	a.finishOnce.Do(func() {
		// Mark finished before anything else so setup steps still in flight
		// (a blocked Acquire, a transport being built) see the teardown and
		// dispose of their own resources instead of installing them.
		a.mu.Lock()
		a.finished = true
		session := a.session
		tr := a.tr
		neg := a.neg
		cancelHangup := a.cancelHangup
		cancelStatus := a.cancelStatus
		a.mu.Unlock()

		m.mu.Lock()
		mine := m.current == a
		if mine {
			m.state = StateEnding
		}
		delete(m.handled, a.call.ID)
		m.mu.Unlock()

		if updateDir {
			endedAt := time.Now()
			upd := terminalUpdate(st, a.answered(), a.call.StartedAt)
			upd.EndedAt = &endedAt
			if err := m.dir.UpdateCallStatus(context.Background(), a.call.ID, upd); err != nil {
				log.Printf("CALL: record %s for %s: %v", st, a.call.ID, err)
			}
		}

		if publishReason != "" {
			if err := a.ch.Publish(signal.EventHangup, signal.HangupPayload{Reason: publishReason}); err != nil {
				log.Printf("CALL: publish hangup for %s: %v", a.call.ID, err)
			}
		}

		if neg != nil {
			neg.close()
		}
		if cancelHangup != nil {
			cancelHangup()
		}
		if cancelStatus != nil {
			cancelStatus()
		}
		if tr != nil {
			if err := tr.Close(); err != nil {
				log.Printf("CALL: close transport for %s: %v", a.call.ID, err)
			}
		}
		if session != nil {
			session.Release()
		}
		if err := a.ch.Close(); err != nil {
			log.Printf("CALL: close topic for %s: %v", a.call.ID, err)
		}

		if mine {
			m.mu.Lock()
			if m.current == a {
				m.current = nil
				m.state = StateIdle
				m.emitLocked(Event{Type: EventState, State: StateIdle, Call: a.call.Clone()})
			}
			m.mu.Unlock()
		}
		log.Printf("CALL: %s finished (%s)", a.call.ID, st)
	})
}

// terminalUpdate computes the closing record. Duration runs from answer
// time when the call connected, from ring start otherwise.
func terminalUpdate(st directory.CallStatus, answeredAt *time.Time, startedAt time.Time) directory.StatusUpdate {
	from := startedAt
	if answeredAt != nil {
		from = *answeredAt
	}
	d := int(time.Since(from) / time.Second)
	if d < 0 {
		d = 0
	}
	return directory.StatusUpdate{Status: st, DurationSeconds: d}
}

// reasonStatus maps a hangup reason to the terminal status the receiving
// side records. A caller cancelling an unanswered ring is the recipient's
// missed call.
func reasonStatus(reason string) directory.CallStatus {
	switch reason {
	case "rejected":
		return directory.StatusRejected
	case "missed", "cancelled":
		return directory.StatusMissed
	default:
		return directory.StatusEnded
	}
}
