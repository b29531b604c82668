package semtech

import (
	"context"
	"errors"
	"fmt"

	"github.com/blaet/gwmp/correlator"
)

// Errors
var (
	ErrUnknownGateway = errors.New("semtech: no session for gateway")
	ErrBackendClosed  = errors.New("semtech: backend closed")
)

// TXAckError is returned when the gateway rejected a downlink. Code holds
// the error reported in the TX_ACK (e.g. TOO_LATE).
type TXAckError struct {
	Code string
}

func (e *TXAckError) Error() string {
	return fmt.Sprintf("semtech: downlink rejected by gateway: %s", e.Code)
}

// Outcome is the terminal outcome of a downlink request.
type Outcome int

// Available outcomes.
const (
	Delivered Outcome = iota
	Rejected
	TimedOut
	SessionClosed
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	case SessionClosed:
		return "session_closed"
	case Cancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// OutcomeOf maps the error returned by SendDownlink to its outcome.
func OutcomeOf(err error) Outcome {
	var txErr *TXAckError
	switch {
	case err == nil:
		return Delivered
	case errors.As(err, &txErr):
		return Rejected
	case errors.Is(err, correlator.ErrTimeout):
		return TimedOut
	case errors.Is(err, correlator.ErrSessionClosed):
		return SessionClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	default:
		return Failed
	}
}
