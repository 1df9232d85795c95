package call

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petervdpas/parley/internal/signal"
	"github.com/petervdpas/parley/internal/transport"
)

// recorder collects envelopes arriving on a signaling endpoint.
type recorder struct {
	mu   sync.Mutex
	envs []signal.Envelope
}

func (r *recorder) handle(env signal.Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.envs {
		if e.Event == event {
			n++
		}
	}
	return n
}

func waitCount(t *testing.T, fn func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("count = %d, want %d", fn(), want)
}

func negotiatorPair(t *testing.T, role string) (*negotiator, *fakeTransport, signal.Channel, *recorder) {
	t.Helper()
	hub := signal.NewMemoryProvider()

	own, err := hub.OpenTopic("call-1")
	if err != nil {
		t.Fatalf("open topic: %v", err)
	}
	far, err := hub.OpenTopic("call-1")
	if err != nil {
		t.Fatalf("open topic: %v", err)
	}

	rec := &recorder{}
	far.Subscribe(rec.handle)

	tr := &fakeTransport{}
	n := newNegotiator(role, tr, own)
	t.Cleanup(func() {
		n.close()
		own.Close()
		far.Close()
	})
	return n, tr, far, rec
}

func TestCandidatesBufferedUntilOffer(t *testing.T) {
	n, tr, far, rec := negotiatorPair(t, signal.RoleResponder)
	if err := n.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Trickle candidates race ahead of the offer.
	cands := []transport.ICECandidate{
		{Candidate: "candidate:1", SDPMLineIndex: 0},
		{Candidate: "candidate:2", SDPMLineIndex: 0},
		{Candidate: "candidate:3", SDPMLineIndex: 1},
	}
	for _, c := range cands {
		err := far.Publish(signal.EventICE, signal.ICEPayload{Candidate: c, From: signal.RoleInitiator})
		if err != nil {
			t.Fatalf("publish ice: %v", err)
		}
	}

	// The ack went out at start; the candidates must be parked, not applied.
	waitCount(t, func() int { return rec.count(signal.EventAck) }, 1)
	if got := len(tr.addedCandidates()); got != 0 {
		t.Fatalf("%d candidates applied before the offer", got)
	}

	err := far.Publish(signal.EventOffer, signal.DescriptionPayload{
		Description: transport.Description{Type: "offer", SDP: "v=0 offer"},
	})
	if err != nil {
		t.Fatalf("publish offer: %v", err)
	}

	waitCount(t, func() int { return rec.count(signal.EventAnswer) }, 1)
	waitCount(t, func() int { return len(tr.addedCandidates()) }, len(cands))

	// Flushed in arrival order.
	for i, c := range tr.addedCandidates() {
		if c.Candidate != cands[i].Candidate {
			t.Fatalf("candidate %d = %s, want %s", i, c.Candidate, cands[i].Candidate)
		}
	}

	// A late candidate goes straight through.
	err = far.Publish(signal.EventICE, signal.ICEPayload{
		Candidate: transport.ICECandidate{Candidate: "candidate:4"},
		From:      signal.RoleInitiator,
	})
	if err != nil {
		t.Fatalf("publish late ice: %v", err)
	}
	waitCount(t, func() int { return len(tr.addedCandidates()) }, len(cands)+1)
}

func TestDuplicateOfferIgnored(t *testing.T) {
	n, _, far, rec := negotiatorPair(t, signal.RoleResponder)
	if err := n.start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	offer := signal.DescriptionPayload{Description: transport.Description{Type: "offer", SDP: "v=0 offer"}}
	for i := 0; i < 3; i++ {
		if err := far.Publish(signal.EventOffer, offer); err != nil {
			t.Fatalf("publish offer: %v", err)
		}
	}

	waitCount(t, func() int { return rec.count(signal.EventAnswer) }, 1)
	// Settle, then confirm no extra answers appeared.
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(signal.EventAnswer); got != 1 {
		t.Fatalf("%d answers for 3 offers, want 1", got)
	}
}

func TestOwnCandidatesFiltered(t *testing.T) {
	n, tr, far, rec := negotiatorPair(t, signal.RoleInitiator)
	if err := n.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCount(t, func() int { return rec.count(signal.EventOffer) }, 1)

	err := far.Publish(signal.EventAnswer, signal.DescriptionPayload{
		Description: transport.Description{Type: "answer", SDP: "v=0 answer"},
	})
	if err != nil {
		t.Fatalf("publish answer: %v", err)
	}

	// A candidate stamped with our own role is a loopback and must not land.
	err = far.Publish(signal.EventICE, signal.ICEPayload{
		Candidate: transport.ICECandidate{Candidate: "candidate:me"},
		From:      signal.RoleInitiator,
	})
	if err != nil {
		t.Fatalf("publish loopback ice: %v", err)
	}
	err = far.Publish(signal.EventICE, signal.ICEPayload{
		Candidate: transport.ICECandidate{Candidate: "candidate:them"},
		From:      signal.RoleResponder,
	})
	if err != nil {
		t.Fatalf("publish remote ice: %v", err)
	}

	waitCount(t, func() int { return len(tr.addedCandidates()) }, 1)
	if got := tr.addedCandidates()[0].Candidate; got != "candidate:them" {
		t.Fatalf("applied %s, want candidate:them", got)
	}
}

func TestAckReplaysOffer(t *testing.T) {
	n, _, far, rec := negotiatorPair(t, signal.RoleInitiator)
	if err := n.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCount(t, func() int { return rec.count(signal.EventOffer) }, 1)

	// A responder that subscribed too late announces itself; the offer must
	// come around again.
	if err := far.Publish(signal.EventAck, signal.AckPayload{}); err != nil {
		t.Fatalf("publish ack: %v", err)
	}
	waitCount(t, func() int { return rec.count(signal.EventOffer) }, 2)

	// Once the answer lands the exchange is done; further acks are stale.
	err := far.Publish(signal.EventAnswer, signal.DescriptionPayload{
		Description: transport.Description{Type: "answer", SDP: "v=0 answer"},
	})
	if err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	waitCount(t, func() int { return rec.count(signal.EventAnswer) }, 1)

	if err := far.Publish(signal.EventAck, signal.AckPayload{}); err != nil {
		t.Fatalf("publish stale ack: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.count(signal.EventOffer); got != 2 {
		t.Fatalf("%d offers after stale ack, want 2", got)
	}
}

func TestConnectedFiresOnce(t *testing.T) {
	n, tr, far, _ := negotiatorPair(t, signal.RoleInitiator)

	var connected int32
	n.onConnected = func() { atomic.AddInt32(&connected, 1) }

	if err := n.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := far.Publish(signal.EventAnswer, signal.DescriptionPayload{
		Description: transport.Description{Type: "answer", SDP: "v=0 answer"},
	})
	if err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	waitCount(t, func() int { return int(atomic.LoadInt32(&connected)) }, 1)

	// ICE restarts flap the state; the edge must stay a one-shot.
	tr.mu.Lock()
	onState := tr.onState
	tr.mu.Unlock()
	onState(transport.StateDisconnected)
	onState(transport.StateConnected)

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&connected); got != 1 {
		t.Fatalf("onConnected fired %d times, want 1", got)
	}
}
