// Package negotiation sequences session description and ICE exchange per
// handle. Operations of one handle run in order on its own worker; handles
// negotiate in parallel.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Listener receives negotiation results. Calls come from worker and ICE
// goroutines.
type Listener interface {
	LocalOfferReady(id domain.HandleID, offer webrtc.SessionDescription)
	LocalAnswerReady(id domain.HandleID, answer webrtc.SessionDescription)
	RemoteApplied(id domain.HandleID)
	Failed(id domain.HandleID, err error)
	Candidate(id domain.HandleID, c webrtc.ICECandidateInit)
	CandidatesComplete(id domain.HandleID)
}

type Coordinator struct {
	ctx      context.Context
	engine   core.MediaEngine
	listener Listener

	mu          sync.Mutex
	negotiators map[domain.HandleID]*Negotiator
}

func NewCoordinator(ctx context.Context, engine core.MediaEngine, l Listener) *Coordinator {
	return &Coordinator{
		ctx:         ctx,
		engine:      engine,
		listener:    l,
		negotiators: make(map[domain.HandleID]*Negotiator),
	}
}

// Open creates the media connection of a handle and starts its worker.
func (c *Coordinator) Open(id domain.HandleID, role domain.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.negotiators[id]; ok {
		return fmt.Errorf("negotiator for handle %s already open", id)
	}
	conn, err := c.engine.NewConnection(id, role)
	if err != nil {
		return fmt.Errorf("media connection for handle %s: %w", id, err)
	}
	logger := log.With().
		Str("module", "negotiation").
		Str("handle", id.String()).
		Str("role", role.String()).
		Logger()
	c.negotiators[id] = newNegotiator(c.ctx, id, role, conn, c.listener, logger)
	logger.Debug().Msg("negotiator opened")
	return nil
}

func (c *Coordinator) get(id domain.HandleID) (*Negotiator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.negotiators[id]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownHandle, id)
	}
	return n, nil
}

// Offer queues offerer negotiation: create offer, set local, then report it.
func (c *Coordinator) Offer(id domain.HandleID) error {
	n, err := c.get(id)
	if err != nil {
		return err
	}
	return n.submit(n.offer)
}

// Answer queues answerer negotiation for a remote offer: set remote, create
// answer, set local, then report it.
func (c *Coordinator) Answer(id domain.HandleID, offer webrtc.SessionDescription) error {
	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("answer handle %s: remote description is %s, not offer", id, offer.Type)
	}
	n, err := c.get(id)
	if err != nil {
		return err
	}
	return n.submit(n.answer(offer))
}

// ApplyAnswer queues the remote answer to our offer.
func (c *Coordinator) ApplyAnswer(id domain.HandleID, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("apply answer handle %s: remote description is %s, not answer", id, answer.Type)
	}
	n, err := c.get(id)
	if err != nil {
		return err
	}
	return n.submit(n.applyAnswer(answer))
}

// Fail latches a handle whose description was rejected outside the media
// connection. Later work on the handle is refused and queued work is skipped.
// The returned error is what the handle failed with.
func (c *Coordinator) Fail(id domain.HandleID, err error) error {
	n, gerr := c.get(id)
	if gerr != nil {
		return gerr
	}
	nerr := &NegotiationError{Handle: id, Step: StepSignal, Err: err}
	if n.failed.CompareAndSwap(false, true) {
		n.logger.Error().Err(err).Str("step", string(StepSignal)).Msg("negotiation latched")
	}
	return nerr
}

func (c *Coordinator) State(id domain.HandleID) (State, error) {
	n, err := c.get(id)
	if err != nil {
		return State{}, err
	}
	return n.state(), nil
}

// Close stops the worker of a handle and closes its media connection.
func (c *Coordinator) Close(id domain.HandleID) error {
	c.mu.Lock()
	n, ok := c.negotiators[id]
	delete(c.negotiators, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return n.close()
}

func (c *Coordinator) CloseAll() error {
	c.mu.Lock()
	all := c.negotiators
	c.negotiators = make(map[domain.HandleID]*Negotiator)
	c.mu.Unlock()

	var errs []error
	for _, n := range all {
		if err := n.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
