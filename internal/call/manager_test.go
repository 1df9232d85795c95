package call

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/media"
	"github.com/petervdpas/parley/internal/signal"
)

type testPeer struct {
	mgr     *Manager
	devices *fakeDevices
	prov    *fakeProvider
	events  <-chan Event
	cancel  func()
}

func newTestPeer(t *testing.T, selfID string, dir *directory.DB, hub *signal.MemoryProvider) *testPeer {
	t.Helper()
	devices := &fakeDevices{}
	prov := &fakeProvider{}
	mgr := NewManager(selfID, dir, hub, prov, devices)
	mgr.Start()
	events, cancel := mgr.Subscribe()
	t.Cleanup(func() {
		cancel()
		mgr.Close()
	})
	return &testPeer{mgr: mgr, devices: devices, prov: prov, events: events, cancel: cancel}
}

func openTestDir(t *testing.T) *directory.DB {
	t.Helper()
	db, err := directory.Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func waitEvent(t *testing.T, events <-chan Event, typ string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitState(t *testing.T, events <-chan Event, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == EventState && ev.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitSnapshot(t *testing.T, mgr *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.Snapshot().State == want.String() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("manager never reached %s, state=%s", want, mgr.Snapshot().State)
}

func waitIdle(t *testing.T, mgr *Manager) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.Snapshot().State == StateIdle.String() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("manager never returned to idle, state=%s", mgr.Snapshot().State)
}

// Full exchange between two managers sharing one directory and one
// in-process signaling hub: ring, answer, connect, hang up.
func TestCallEndToEnd(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()

	alice := newTestPeer(t, "peer-alice", db, hub)
	bob := newTestPeer(t, "peer-bob", db, hub)

	c, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVideo)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	if c.Status != directory.StatusRinging {
		t.Fatalf("expected ringing, got %s", c.Status)
	}
	if got := alice.devices.acquireCount(); got != 1 {
		t.Fatalf("caller acquired device %d times", got)
	}

	in := waitEvent(t, bob.events, EventIncoming)
	if in.Call.ID != c.ID || in.Call.CallerID != "peer-alice" {
		t.Fatalf("wrong incoming call: %+v", in.Call)
	}

	if err := bob.mgr.AnswerCall(ctx, c.ID); err != nil {
		t.Fatalf("answer: %v", err)
	}

	waitState(t, alice.events, StateActive)
	waitState(t, bob.events, StateActive)

	waitEvent(t, alice.events, EventRemoteTrack)

	rec, err := db.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.Status != directory.StatusAnswered {
		t.Fatalf("expected answered, got %s", rec.Status)
	}
	if rec.AnsweredAt == nil {
		t.Fatal("answered_at not recorded")
	}

	if err := alice.mgr.EndCall(ctx); err != nil {
		t.Fatalf("end call: %v", err)
	}
	waitIdle(t, alice.mgr)
	waitIdle(t, bob.mgr)

	rec, err = db.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.Status != directory.StatusEnded {
		t.Fatalf("expected ended, got %s", rec.Status)
	}
	if rec.EndedAt == nil {
		t.Fatal("ended_at not recorded")
	}

	// Both sides released their devices.
	if alice.devices.closeCount() != 2 { // audio + video
		t.Fatalf("caller closed %d tracks, want 2", alice.devices.closeCount())
	}
	if bob.devices.closeCount() != 2 {
		t.Fatalf("callee closed %d tracks, want 2", bob.devices.closeCount())
	}
}

func TestStartCallWhileBusy(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)

	if _, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := alice.mgr.StartCall(ctx, "peer-carol", directory.TypeVoice)
	if !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}
}

func TestStartCallDeviceUnavailable(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)
	alice.devices.fail = true

	_, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if st := alice.mgr.Snapshot().State; st != StateIdle.String() {
		t.Fatalf("expected idle after device failure, got %s", st)
	}

	// No phantom record: the device failed before anything was written.
	calls, err := db.ListRecent(ctx, "peer-alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("expected no call records, got %d", len(calls))
	}
}

// A negotiation that dies at its first step must put the state machine back
// to idle, release every resource and record the call as ended, leaving the
// manager usable for the next call.
func TestNegotiationStartFailureReturnsIdle(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)
	alice.prov.failOffer = true

	_, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NegotiationError, got %v", err)
	}
	waitIdle(t, alice.mgr)

	if got := alice.devices.closeCount(); got != 1 {
		t.Fatalf("closed %d tracks, want 1", got)
	}
	tr := alice.prov.last()
	if tr == nil || tr.closeCount() != 1 {
		t.Fatalf("transport not closed exactly once: %+v", tr)
	}

	calls, err := db.ListRecent(ctx, "peer-alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != directory.StatusEnded {
		t.Fatalf("expected one ended record, got %+v", calls)
	}
	if calls[0].EndedAt == nil {
		t.Fatal("ended_at not recorded")
	}

	// The manager is not wedged: a later call starts normally.
	alice.prov.failOffer = false
	if _, err := alice.mgr.StartCall(ctx, "peer-carol", directory.TypeVoice); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
}

// Hanging up while AnswerCall is blocked acquiring the device (the webcam
// permission prompt case) must not leak the stream that acquisition returns
// afterwards, and must not build a transport for the dead call.
func TestHangupWhileAnswerBlockedOnDevice(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)
	bob := newTestPeer(t, "peer-bob", db, hub)

	c, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitEvent(t, bob.events, EventIncoming)

	bob.devices.block = make(chan struct{})
	answered := make(chan error, 1)
	go func() { answered <- bob.mgr.AnswerCall(ctx, c.ID) }()
	waitSnapshot(t, bob.mgr, StateNegotiating)

	if err := bob.mgr.EndCall(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitIdle(t, bob.mgr)

	close(bob.devices.block)
	if err := <-answered; err != nil {
		t.Fatalf("answer after hangup should be quiet, got %v", err)
	}
	waitIdle(t, alice.mgr)

	if got := bob.devices.acquireCount(); got != 1 {
		t.Fatalf("device acquired %d times, want 1", got)
	}
	if got := bob.devices.closeCount(); got != 1 {
		t.Fatalf("device tracks closed %d times, want 1", got)
	}
	if bob.prov.last() != nil {
		t.Fatal("transport built for a call that already ended")
	}
}

// Hanging up while StartCall is still blocked acquiring the device cancels
// the attempt: no record is written, nothing rings, the device comes back.
func TestCancelWhileStartBlockedOnDevice(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)

	alice.devices.block = make(chan struct{})
	started := make(chan error, 1)
	go func() {
		_, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
		started <- err
	}()
	waitSnapshot(t, alice.mgr, StateOutgoingRinging)

	if err := alice.mgr.EndCall(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	close(alice.devices.block)

	if err := <-started; !errors.Is(err, ErrCallCancelled) {
		t.Fatalf("expected ErrCallCancelled, got %v", err)
	}
	waitIdle(t, alice.mgr)

	if got := alice.devices.closeCount(); got != 1 {
		t.Fatalf("device tracks closed %d times, want 1", got)
	}
	calls, err := db.ListRecent(ctx, "peer-alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("cancelled call left %d records", len(calls))
	}
}

func TestFinishedCallsLeaveNoResidue(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)
	bob := newTestPeer(t, "peer-bob", db, hub)

	if _, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice); err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitEvent(t, bob.events, EventIncoming)
	if err := alice.mgr.EndCall(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitIdle(t, alice.mgr)
	waitIdle(t, bob.mgr)

	for _, p := range []*testPeer{alice, bob} {
		p.mgr.mu.Lock()
		n := len(p.mgr.handled)
		p.mgr.mu.Unlock()
		if n != 0 {
			t.Fatalf("%d call IDs still tracked after finish", n)
		}
	}
}

func TestAnswerIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)
	bob := newTestPeer(t, "peer-bob", db, hub)

	c, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitEvent(t, bob.events, EventIncoming)

	if err := bob.mgr.AnswerCall(ctx, c.ID); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if err := bob.mgr.AnswerCall(ctx, c.ID); err != nil {
		t.Fatalf("second answer should be a no-op, got %v", err)
	}
	if got := bob.devices.acquireCount(); got != 1 {
		t.Fatalf("device acquired %d times, want 1", got)
	}

	if err := bob.mgr.AnswerCall(ctx, "no-such-id"); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("expected ErrNoSuchCall, got %v", err)
	}
}

func TestRejectNeverTouchesDevice(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)
	bob := newTestPeer(t, "peer-bob", db, hub)

	c, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitEvent(t, bob.events, EventIncoming)

	if err := bob.mgr.RejectCall(ctx, c.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitIdle(t, bob.mgr)
	waitIdle(t, alice.mgr)

	if got := bob.devices.acquireCount(); got != 0 {
		t.Fatalf("reject acquired the device %d times", got)
	}
	// The callee never built a transport either.
	if bob.prov.last() != nil {
		t.Fatal("reject created a transport")
	}

	rec, err := db.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.Status != directory.StatusRejected {
		t.Fatalf("expected rejected, got %s", rec.Status)
	}

	// Rejecting again, or rejecting a call we are not ringing on, is a no-op.
	if err := bob.mgr.RejectCall(ctx, c.ID); err != nil {
		t.Fatalf("second reject: %v", err)
	}
}

func TestConcurrentHangupReleasesOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)

	_, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	tr := alice.prov.last()
	if tr == nil {
		t.Fatal("no transport created")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = alice.mgr.EndCall(ctx)
		}()
	}
	wg.Wait()
	waitIdle(t, alice.mgr)

	if got := tr.closeCount(); got != 1 {
		t.Fatalf("transport closed %d times, want 1", got)
	}
	if got := alice.devices.closeCount(); got != 1 { // voice call: audio only
		t.Fatalf("closed %d tracks, want 1", got)
	}
}

func TestCancelBeforeAnswerIsMissed(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)
	bob := newTestPeer(t, "peer-bob", db, hub)

	c, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}
	waitEvent(t, bob.events, EventIncoming)

	if err := alice.mgr.EndCall(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitIdle(t, alice.mgr)
	waitIdle(t, bob.mgr)

	rec, err := db.GetCall(ctx, c.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if rec.Status != directory.StatusMissed {
		t.Fatalf("expected missed, got %s", rec.Status)
	}
}

// An external writer (the ring timeout) marking the call missed must tear
// down the caller's side too.
func TestExternalMissedTerminatesCall(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)

	c, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVoice)
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	endedAt := time.Now()
	err = db.UpdateCallStatus(ctx, c.ID, directory.StatusUpdate{
		Status:  directory.StatusMissed,
		EndedAt: &endedAt,
	})
	if err != nil {
		t.Fatalf("mark missed: %v", err)
	}

	waitIdle(t, alice.mgr)
	if got := alice.devices.closeCount(); got != 1 {
		t.Fatalf("closed %d tracks, want 1", got)
	}
}

func TestToggleNoopsWhenIdle(t *testing.T) {
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)

	if alice.mgr.ToggleMute() {
		t.Fatal("ToggleMute reported muted with no call in flight")
	}
	if alice.mgr.ToggleVideo() {
		t.Fatal("ToggleVideo reported enabled with no call in flight")
	}
}

func TestToggleDuringCall(t *testing.T) {
	ctx := context.Background()
	db := openTestDir(t)
	hub := signal.NewMemoryProvider()
	alice := newTestPeer(t, "peer-alice", db, hub)

	if _, err := alice.mgr.StartCall(ctx, "peer-bob", directory.TypeVideo); err != nil {
		t.Fatalf("start call: %v", err)
	}

	if !alice.mgr.ToggleMute() {
		t.Fatal("expected muted=true after first toggle")
	}
	if alice.mgr.ToggleMute() {
		t.Fatal("expected muted=false after second toggle")
	}

	if alice.mgr.ToggleVideo() {
		t.Fatal("expected video disabled after first toggle")
	}
	snap := alice.mgr.Snapshot()
	if snap.VideoEnabled {
		t.Fatal("snapshot still reports video enabled")
	}
}

func TestTerminalUpdateDuration(t *testing.T) {
	answered := time.Now().Add(-65 * time.Second)
	upd := terminalUpdate(directory.StatusEnded, &answered, time.Now().Add(-90*time.Second))
	if upd.DurationSeconds < 64 || upd.DurationSeconds > 66 {
		t.Fatalf("answered duration = %d, want ~65", upd.DurationSeconds)
	}

	started := time.Now().Add(-5 * time.Second)
	upd = terminalUpdate(directory.StatusMissed, nil, started)
	if upd.DurationSeconds < 4 || upd.DurationSeconds > 6 {
		t.Fatalf("unanswered duration = %d, want ~5", upd.DurationSeconds)
	}

	upd = terminalUpdate(directory.StatusEnded, nil, time.Now().Add(time.Minute))
	if upd.DurationSeconds != 0 {
		t.Fatalf("future start must clamp to 0, got %d", upd.DurationSeconds)
	}
}
