// Package signal is the call signaling channel: a named pub/sub topic scoped
// to one call, carrying the offer/answer/ICE exchange and hangup notices.
//
// The channel gives at-least-once delivery to each connected subscriber and
// in-order delivery per subscriber, but no ordering across senders — the
// negotiation engine must tolerate candidates arriving before descriptions
// and duplicate descriptions arriving at all.
package signal

import (
	"encoding/json"
	"fmt"
)

// Envelope is one signaling message on a call topic.
type Envelope struct {
	Event   string          `json:"event"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Handler is invoked once per received message, in delivery order.
type Handler func(Envelope)

// Channel is one open call topic. Publish is fire-and-forget best-effort:
// a transient failure is the caller's to absorb, higher-level timeouts
// decide when the call is given up on. The cancel function returned by
// Subscribe guarantees no handler invocations after it returns.
type Channel interface {
	Publish(event string, payload any) error
	Subscribe(h Handler) (cancel func())
	Close() error
}

// Provider opens signaling topics keyed by call ID.
type Provider interface {
	OpenTopic(callID string) (Channel, error)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
