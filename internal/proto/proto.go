package proto

import "time"

const (
	PresenceTopic = "parley.presence.v1"
	MdnsTag       = "parley-mdns"

	// GossipSub topic announcing new call invitations. Every peer subscribes
	// and filters on the invite's recipient ID.
	InviteTopic = "parley.call.invite.v1"

	// Per-call signaling topic prefix. Topic = CallTopicPrefix + callID so
	// offer/answer/ICE traffic never crosses sessions.
	CallTopicPrefix = "parley.call."
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is the gossip heartbeat every peer publishes on PresenceTopic.
type PresenceMsg struct {
	Type   string   `json:"type"` // online|update|offline
	PeerID string   `json:"peerId"`
	Label  string   `json:"label,omitempty"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
