package interceptor

import (
	"errors"
	"fmt"

	"gamerelay/packet"
)

var (
	ErrAlreadyStarted = errors.New("interceptor: already started")
	ErrNotConnected   = errors.New("interceptor: no game connection")
	ErrClosed         = errors.New("interceptor: connection closed")
)

// Relay phases reported in RelayError.
const (
	PhaseRead     = "read"
	PhaseFraming  = "framing"
	PhaseForward  = "forward"
	PhaseRecovery = "recovery"
)

// RelayError is a failure that ended one direction of a connection.
type RelayError struct {
	Direction packet.Direction
	Phase     string
	Cause     error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s relay failed during %s: %v", e.Direction, e.Phase, e.Cause)
}

func (e *RelayError) Unwrap() error {
	return e.Cause
}
