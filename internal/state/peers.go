// Package state holds the in-memory presence table: which peers are around
// to call right now.
package state

import (
	"sync"
	"time"
)

type SeenPeer struct {
	Label     string    `json:"label"`
	Reachable bool      `json:"reachable"`
	LastSeen  time.Time `json:"last_seen"`
}

type PeerEvent struct {
	Type   string    `json:"type"` // update | remove
	PeerID string    `json:"peer_id"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: map[string]SeenPeer{}}
}

func (t *PeerTable) Upsert(id, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer := SeenPeer{Label: label, Reachable: true, LastSeen: time.Now()}
	t.peers[id] = peer
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &peer})
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

func (t *PeerTable) Snapshot() map[string]SeenPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenPeer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale drops peers whose last heartbeat is older than cutoff.
func (t *PeerTable) PruneStale(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
