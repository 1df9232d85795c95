package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/parley/internal/proto"
)

// PubSubProvider runs call topics over GossipSub. One topic per call ID;
// the relay mesh gives at-least-once delivery to connected subscribers with
// no ordering guarantee across senders, which is exactly the contract the
// negotiation engine is built against.
type PubSubProvider struct {
	ps     *pubsub.PubSub
	selfID string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSubProvider(ps *pubsub.PubSub, selfID string) *PubSubProvider {
	return &PubSubProvider{
		ps:     ps,
		selfID: selfID,
		topics: make(map[string]*pubsub.Topic),
	}
}

func (p *PubSubProvider) OpenTopic(callID string) (Channel, error) {
	name := proto.CallTopicPrefix + callID

	p.mu.Lock()
	topic, ok := p.topics[name]
	if !ok {
		var err error
		topic, err = p.ps.Join(name)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("join topic %s: %w", name, err)
		}
		p.topics[name] = topic
	}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	return &pubsubChannel{
		provider: p,
		name:     name,
		topic:    topic,
		selfID:   p.selfID,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (p *PubSubProvider) release(name string) {
	p.mu.Lock()
	topic, ok := p.topics[name]
	if ok {
		delete(p.topics, name)
	}
	p.mu.Unlock()
	if ok {
		if err := topic.Close(); err != nil {
			log.Printf("SIG: close topic %s: %v", name, err)
		}
	}
}

type pubsubChannel struct {
	provider *PubSubProvider
	name     string
	topic    *pubsub.Topic
	selfID   string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   []*pubsub.Subscription
	closed bool
}

func (c *pubsubChannel) Publish(event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Envelope{Event: event, Sender: c.selfID, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.topic.Publish(c.ctx, b); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event, c.name, err)
	}
	return nil
}

func (c *pubsubChannel) Subscribe(h Handler) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	sub, err := c.topic.Subscribe()
	if err != nil {
		c.mu.Unlock()
		log.Printf("SIG: subscribe %s: %v", c.name, err)
		return func() {}
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(c.ctx)
			if err != nil {
				return // cancelled or topic closed
			}
			// GossipSub loops our own messages back locally; the remote
			// party's envelopes are the only ones that matter here.
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				log.Printf("SIG: bad envelope on %s: %v", c.name, err)
				continue
			}
			if env.Sender == c.selfID {
				continue
			}
			h(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(sub.Cancel)
	}
}

func (c *pubsubChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	for _, sub := range subs {
		sub.Cancel()
	}
	c.provider.release(c.name)
	return nil
}
