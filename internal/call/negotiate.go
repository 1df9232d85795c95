package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/parley/internal/signal"
	"github.com/petervdpas/parley/internal/transport"
)

// negotiator drives one offer/answer/ICE exchange over a signaling channel.
// It owns the transport's signaling-facing callbacks; the manager keeps
// OnTrack and everything above it.
//
// The responder announces itself with an ack as soon as it starts listening,
// and the initiator replays its offer on every ack. That closes the window
// where the offer is published before the responder has subscribed; the
// remoteSet guard makes the replay harmless on the other side.
type negotiator struct {
	role string
	tr   transport.Transport
	ch   signal.Channel

	onAnswered  func()
	onConnected func()
	onFailed    func(error)

	mu        sync.Mutex
	closed    bool
	remoteSet bool
	localDesc *transport.Description
	pending   []transport.ICECandidate

	cancelSub func()

	connectedOnce sync.Once
	failedOnce    sync.Once
}

func newNegotiator(role string, tr transport.Transport, ch signal.Channel) *negotiator {
	return &negotiator{role: role, tr: tr, ch: ch}
}

// start wires the transport callbacks and kicks off the exchange for this
// side's role. It returns once the first local description is on the wire
// (initiator) or once we are listening for the offer (responder).
func (n *negotiator) start() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errCallDone
	}
	n.mu.Unlock()

	n.tr.OnICECandidate(func(cand transport.ICECandidate) {
		err := n.ch.Publish(signal.EventICE, signal.ICEPayload{Candidate: cand, From: n.role})
		if err != nil {
			log.Printf("CALL: publish ice: %v", err)
		}
	})
	n.tr.OnConnectionStateChange(func(st transport.ConnState) {
		switch st {
		case transport.StateConnected:
			n.connectedOnce.Do(func() {
				if n.onConnected != nil {
					n.onConnected()
				}
			})
		case transport.StateFailed:
			n.fail(negErr("ice", fmt.Errorf("connection failed")))
		}
	})

	n.cancelSub = n.ch.Subscribe(n.handle)

	if n.role == signal.RoleInitiator {
		offer, err := n.tr.CreateOffer()
		if err != nil {
			return negErr("offer", err)
		}
		if err := n.tr.SetLocalDescription(offer); err != nil {
			return negErr("offer", err)
		}
		n.mu.Lock()
		n.localDesc = &offer
		n.mu.Unlock()
		if err := n.ch.Publish(signal.EventOffer, signal.DescriptionPayload{Description: offer}); err != nil {
			return negErr("signal", err)
		}
		return nil
	}

	// Responder: tell the initiator we are listening. The offer may already
	// be lost in the pre-subscribe gap; the ack makes it come around again.
	if err := n.ch.Publish(signal.EventAck, signal.AckPayload{}); err != nil {
		return negErr("signal", err)
	}
	return nil
}

func (n *negotiator) handle(env signal.Envelope) {
	switch env.Event {
	case signal.EventAck:
		if n.role != signal.RoleInitiator {
			return
		}
		n.mu.Lock()
		desc := n.localDesc
		done := n.remoteSet
		n.mu.Unlock()
		if desc == nil || done {
			return
		}
		if err := n.ch.Publish(signal.EventOffer, signal.DescriptionPayload{Description: *desc}); err != nil {
			log.Printf("CALL: replay offer: %v", err)
		}

	case signal.EventOffer:
		if n.role != signal.RoleResponder {
			return
		}
		var p signal.DescriptionPayload
		if err := env.Decode(&p); err != nil {
			log.Printf("CALL: bad offer payload: %v", err)
			return
		}
		n.acceptOffer(p.Description)

	case signal.EventAnswer:
		if n.role != signal.RoleInitiator {
			return
		}
		var p signal.DescriptionPayload
		if err := env.Decode(&p); err != nil {
			log.Printf("CALL: bad answer payload: %v", err)
			return
		}
		n.acceptAnswer(p.Description)

	case signal.EventICE:
		var p signal.ICEPayload
		if err := env.Decode(&p); err != nil {
			log.Printf("CALL: bad ice payload: %v", err)
			return
		}
		// Candidates stamped with our own role are loopbacks.
		if p.From == n.role {
			return
		}
		n.addCandidate(p.Candidate)
	}
}

func (n *negotiator) acceptOffer(desc transport.Description) {
	n.mu.Lock()
	if n.closed || n.remoteSet {
		n.mu.Unlock()
		return
	}
	n.remoteSet = true
	n.mu.Unlock()

	if err := n.tr.SetRemoteDescription(desc); err != nil {
		n.fail(negErr("offer", err))
		return
	}
	n.flushPending()

	answer, err := n.tr.CreateAnswer()
	if err != nil {
		n.fail(negErr("answer", err))
		return
	}
	if err := n.tr.SetLocalDescription(answer); err != nil {
		n.fail(negErr("answer", err))
		return
	}
	n.mu.Lock()
	n.localDesc = &answer
	n.mu.Unlock()
	if err := n.ch.Publish(signal.EventAnswer, signal.DescriptionPayload{Description: answer}); err != nil {
		n.fail(negErr("signal", err))
	}
}

func (n *negotiator) acceptAnswer(desc transport.Description) {
	n.mu.Lock()
	if n.closed || n.remoteSet {
		n.mu.Unlock()
		return
	}
	n.remoteSet = true
	n.mu.Unlock()

	if err := n.tr.SetRemoteDescription(desc); err != nil {
		n.fail(negErr("answer", err))
		return
	}
	n.flushPending()

	if n.onAnswered != nil {
		n.onAnswered()
	}
}

// addCandidate applies a remote candidate, or buffers it when it raced
// ahead of the remote description. Buffered candidates flush in the order
// they arrived.
func (n *negotiator) addCandidate(cand transport.ICECandidate) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !n.remoteSet {
		n.pending = append(n.pending, cand)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.tr.AddICECandidate(cand); err != nil {
		log.Printf("CALL: add ice candidate: %v", err)
	}
}

func (n *negotiator) flushPending() {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, cand := range pending {
		if err := n.tr.AddICECandidate(cand); err != nil {
			log.Printf("CALL: add buffered candidate: %v", err)
		}
	}
}

func (n *negotiator) fail(err error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	n.failedOnce.Do(func() {
		if n.onFailed != nil {
			n.onFailed(err)
		}
	})
}

// close stops event handling. Errors surfacing after close are swallowed;
// the call is already tearing down and nobody is listening.
func (n *negotiator) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	cancel := n.cancelSub
	n.cancelSub = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
