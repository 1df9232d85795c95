package signal

import (
	"fmt"
	"log"
	"sync"
)

// MemoryProvider is an in-process signaling hub. Every endpoint opened for a
// topic receives every message published on it, including messages published
// through a sibling endpoint of the same process — the multi-consumer
// semantics of the real channel, without a network.
//
// Used by tests and by single-machine loopback calls.
type MemoryProvider struct {
	mu     sync.Mutex
	topics map[string]map[*memoryChannel]struct{}
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{topics: make(map[string]map[*memoryChannel]struct{})}
}

func (p *MemoryProvider) OpenTopic(callID string) (Channel, error) {
	ch := &memoryChannel{hub: p, topic: callID}

	p.mu.Lock()
	set := p.topics[callID]
	if set == nil {
		set = make(map[*memoryChannel]struct{})
		p.topics[callID] = set
	}
	set[ch] = struct{}{}
	p.mu.Unlock()

	return ch, nil
}

func (p *MemoryProvider) broadcast(topic string, env Envelope) {
	p.mu.Lock()
	endpoints := make([]*memoryChannel, 0, len(p.topics[topic]))
	for ch := range p.topics[topic] {
		endpoints = append(endpoints, ch)
	}
	p.mu.Unlock()

	for _, ch := range endpoints {
		ch.deliver(env)
	}
}

func (p *MemoryProvider) remove(topic string, ch *memoryChannel) {
	p.mu.Lock()
	if set, ok := p.topics[topic]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(p.topics, topic)
		}
	}
	p.mu.Unlock()
}

type memoryChannel struct {
	hub   *MemoryProvider
	topic string

	mu     sync.Mutex
	subs   []*memorySub
	closed bool
}

type memorySub struct {
	ch       chan Envelope
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *memorySub) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (c *memoryChannel) Publish(event string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("signal: publish on closed topic %s", c.topic)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	c.hub.broadcast(c.topic, Envelope{Event: event, Payload: raw})
	return nil
}

func (c *memoryChannel) Subscribe(h Handler) func() {
	sub := &memorySub{
		ch:   make(chan Envelope, 256),
		stop: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go func() {
		for {
			// Checked separately so a closed stop wins over queued messages.
			select {
			case <-sub.stop:
				return
			default:
			}
			select {
			case <-sub.stop:
				return
			case env := <-sub.ch:
				h(env)
			}
		}
	}()

	// Cancel must be callable from inside the handler itself (teardown paths
	// run there), so it never blocks on the delivery goroutine.
	var once sync.Once
	return func() {
		once.Do(func() {
			c.removeSub(sub)
			sub.close()
		})
	}
}

func (c *memoryChannel) deliver(env Envelope) {
	c.mu.Lock()
	subs := append([]*memorySub(nil), c.subs...)
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- env:
		default:
			log.Printf("SIG: subscriber queue full on %s, dropping %s", c.topic, env.Event)
		}
	}
}

func (c *memoryChannel) removeSub(sub *memorySub) {
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.hub.remove(c.topic, c)
	for _, sub := range subs {
		sub.close()
	}
	return nil
}
