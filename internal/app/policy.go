package app

import "github.com/dkeye/roomclient/internal/protocol"

type BackpressureAction int

const (
	// WaitForSpace blocks the sender until the queue drains or its context ends.
	WaitForSpace BackpressureAction = iota
	DropFrame
	CloseSession
)

func (a BackpressureAction) String() string {
	switch a {
	case WaitForSpace:
		return "wait"
	case DropFrame:
		return "drop"
	case CloseSession:
		return "close"
	}
	return "unknown"
}

// Policy decides what happens to a request when the send queue is full.
type Policy interface {
	OnBackPressure(kind protocol.Kind) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(kind protocol.Kind) BackpressureAction {
	if kind == protocol.KindKeepalive {
		return DropFrame
	}
	return WaitForSpace
}
