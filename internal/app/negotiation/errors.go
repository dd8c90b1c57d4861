package negotiation

import (
	"errors"
	"fmt"

	"github.com/dkeye/roomclient/internal/domain"
)

var (
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrUnknownHandle     = errors.New("no negotiator for handle")
	ErrClosed            = errors.New("negotiator closed")
)

type Step string

const (
	StepCreateOffer  Step = "create_offer"
	StepCreateAnswer Step = "create_answer"
	StepSetLocal     Step = "set_local"
	StepSetRemote    Step = "set_remote"
	// StepSignal marks a description the gateway rejected.
	StepSignal Step = "signal"
)

// NegotiationError reports the description step that latched a handle.
type NegotiationError struct {
	Handle domain.HandleID
	Step   Step
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed: handle %s: %s: %v", e.Handle, e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiationFailed }
