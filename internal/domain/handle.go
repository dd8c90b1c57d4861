package domain

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidTransition = errors.New("invalid handle state transition")

type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	}
	return "unknown"
}

type HandleState int

const (
	StateAttaching HandleState = iota
	StateJoined
	StateNegotiating
	StateActive
	StateLeaving
	StateDetached
)

func (s HandleState) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateJoined:
		return "joined"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateDetached:
		return "detached"
	}
	return "unknown"
}

// Live reports whether the handle still takes part in the room.
func (s HandleState) Live() bool { return s < StateLeaving }

var transitions = map[HandleState][]HandleState{
	StateAttaching:   {StateJoined, StateLeaving, StateDetached},
	StateJoined:      {StateNegotiating, StateLeaving, StateDetached},
	StateNegotiating: {StateActive, StateLeaving, StateDetached},
	StateActive:      {StateNegotiating, StateLeaving, StateDetached},
	StateLeaving:     {StateDetached},
}

// Handle is one plugin attachment on the session: the local publisher or a
// subscriber bound to a remote feed. ID is zero until the attach succeeds.
type Handle struct {
	ID      HandleID
	Role    Role
	Feed    FeedID
	Display string

	mu    sync.RWMutex
	state HandleState
}

func NewPublisher(display string) *Handle {
	return &Handle{Role: RolePublisher, Display: display}
}

func NewSubscriber(feed FeedID, display string) *Handle {
	return &Handle{Role: RoleSubscriber, Feed: feed, Display: display}
}

func (h *Handle) State() HandleState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Transition moves the handle to the next state. Moving to the current
// state is a no-op.
func (h *Handle) Transition(to HandleState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == to {
		return nil
	}
	for _, next := range transitions[h.state] {
		if next == to {
			h.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.state, to)
}

// HandleInfo is a read-only view of a handle for APIs and collaborators.
type HandleInfo struct {
	ID      HandleID `json:"id"`
	Role    string   `json:"role"`
	Feed    FeedID   `json:"feed,omitempty"`
	Display string   `json:"display,omitempty"`
	State   string   `json:"state"`
}

func (h *Handle) Info() HandleInfo {
	return HandleInfo{
		ID:      h.ID,
		Role:    h.Role.String(),
		Feed:    h.Feed,
		Display: h.Display,
		State:   h.State().String(),
	}
}
