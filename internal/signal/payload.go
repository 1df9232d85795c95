package signal

import "github.com/petervdpas/parley/internal/transport"

// Event types carried on a call topic. Value of Envelope.Event.
const (
	EventAck    = "call-ack"      // responder → initiator: answered, send the offer
	EventOffer  = "offer"         // initiator → responder: SDP offer
	EventAnswer = "answer"        // responder → initiator: SDP answer
	EventICE    = "ice-candidate" // either → other: trickle ICE candidate
	EventHangup = "call-hangup"   // either side: end the call
)

// Session roles. The role tag on outgoing candidates lets each side drop
// its own candidates when the channel echoes them back.
const (
	RoleInitiator = "initiator"
	RoleResponder = "responder"
)

// AckPayload is sent by the responder the moment it starts negotiating.
// Receipt makes the initiator (re)send its offer, covering responders that
// subscribed after the initial offer was published.
type AckPayload struct{}

// DescriptionPayload carries an SDP offer or answer.
type DescriptionPayload struct {
	Description transport.Description `json:"description"`
}

// ICEPayload carries one trickle ICE candidate, stamped with the role of the
// side that discovered it.
type ICEPayload struct {
	Candidate transport.ICECandidate `json:"candidate"`
	From      string                 `json:"from"` // RoleInitiator | RoleResponder
}

// HangupPayload ends the call from either side. Reason maps to the terminal
// status the receiving side records: "ended", "rejected", "missed" or
// "cancelled" (treated as missed by the recipient).
type HangupPayload struct {
	Reason string `json:"reason,omitempty"`
}
