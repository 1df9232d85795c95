package call

import (
	"errors"
	"fmt"
)

// ErrAlreadyInCall is returned by StartCall and AnswerCall while another
// call occupies the manager. One call at a time; the caller decides whether
// to hang up first.
var ErrAlreadyInCall = errors.New("already in a call")

// ErrNoSuchCall is returned when an operation names a call ID the manager
// is not currently handling.
var ErrNoSuchCall = errors.New("no such call")

// ErrCallCancelled is returned by StartCall when the user hung up while the
// capture device was still being acquired. Nothing rang on the other side.
var ErrCallCancelled = errors.New("call cancelled during setup")

// errCallDone marks an operation that lost the race against teardown. The
// call is already finished and cleaned up; callers treat it as quiet.
var errCallDone = errors.New("call already finished")

// NegotiationError wraps a failure inside the offer/answer/ICE exchange.
// The stage tells the operator where the exchange died without needing the
// full log.
type NegotiationError struct {
	Stage string // "offer", "answer", "ice", "signal"
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func negErr(stage string, err error) error {
	return &NegotiationError{Stage: stage, Err: err}
}
