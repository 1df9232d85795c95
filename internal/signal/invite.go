package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/parley/internal/directory"
	"github.com/petervdpas/parley/internal/proto"
)

// InviteAnnouncer broadcasts new call records on a shared gossip topic so
// the recipient's directory learns about the call before the per-call
// signaling topic carries anything. Each peer keeps its own database, so
// the ringing row has to travel; this is how it does.
type InviteAnnouncer struct {
	selfID string
	topic  *pubsub.Topic
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func NewInviteAnnouncer(ps *pubsub.PubSub, selfID string) (*InviteAnnouncer, error) {
	topic, err := ps.Join(proto.InviteTopic)
	if err != nil {
		return nil, fmt.Errorf("join invite topic: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InviteAnnouncer{selfID: selfID, topic: topic, ctx: ctx, cancel: cancel}, nil
}

// Announce publishes the freshly created call record.
func (a *InviteAnnouncer) Announce(call *directory.Call) error {
	b, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal invite: %w", err)
	}
	if err := a.topic.Publish(a.ctx, b); err != nil {
		return fmt.Errorf("publish invite: %w", err)
	}
	return nil
}

// SubscribeInvites delivers call records addressed to this peer. Everything
// else on the topic, including our own announcements, is dropped here so
// fn only ever sees calls worth ringing for.
func (a *InviteAnnouncer) SubscribeInvites(fn func(*directory.Call)) error {
	sub, err := a.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe invites: %w", err)
	}
	go func() {
		for {
			msg, err := sub.Next(a.ctx)
			if err != nil {
				return
			}
			var call directory.Call
			if err := json.Unmarshal(msg.Data, &call); err != nil {
				log.Printf("SIG: bad invite: %v", err)
				continue
			}
			if call.RecipientID != a.selfID {
				continue
			}
			fn(&call)
		}
	}()
	return nil
}

func (a *InviteAnnouncer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.cancel()
	return a.topic.Close()
}
