package negotiation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type op func(ctx context.Context) (Step, error)

// Negotiator runs the description operations of one handle in submission
// order. The first failure latches it: later operations are refused.
type Negotiator struct {
	id       domain.HandleID
	role     domain.Role
	conn     core.MediaConnection
	listener Listener
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu     sync.Mutex
	queue  []op
	closed bool

	failed atomic.Bool
}

func newNegotiator(ctx context.Context, id domain.HandleID, role domain.Role, conn core.MediaConnection, l Listener, logger zerolog.Logger) *Negotiator {
	ctx, cancel := context.WithCancel(ctx)
	n := &Negotiator{
		id:       id,
		role:     role,
		conn:     conn,
		listener: l,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	conn.OnICECandidate(n.onCandidate)
	go n.loop()
	return n
}

func (n *Negotiator) onCandidate(c *webrtc.ICECandidateInit) {
	if n.ctx.Err() != nil {
		return
	}
	if c == nil {
		n.logger.Debug().Msg("ice gathering complete")
		n.listener.CandidatesComplete(n.id)
		return
	}
	n.listener.Candidate(n.id, *c)
}

func (n *Negotiator) submit(o op) error {
	if n.failed.Load() {
		return fmt.Errorf("%w: handle %s", ErrNegotiationFailed, n.id)
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.queue = append(n.queue, o)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
	return nil
}

func (n *Negotiator) pop() (op, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return nil, false
	}
	o := n.queue[0]
	n.queue[0] = nil
	n.queue = n.queue[1:]
	return o, true
}

func (n *Negotiator) loop() {
	defer close(n.done)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.wake:
		}
		for {
			o, ok := n.pop()
			if !ok {
				break
			}
			if n.failed.Load() {
				continue
			}
			step, err := o(n.ctx)
			if err == nil {
				continue
			}
			if n.ctx.Err() != nil {
				return
			}
			n.failed.Store(true)
			nerr := &NegotiationError{Handle: n.id, Step: step, Err: err}
			n.logger.Error().Err(err).Str("step", string(step)).Msg("negotiation latched")
			n.listener.Failed(n.id, nerr)
		}
	}
}

func (n *Negotiator) offer(ctx context.Context) (Step, error) {
	offer, err := n.conn.CreateOffer(ctx)
	if err != nil {
		return StepCreateOffer, err
	}
	if err := n.conn.SetLocalDescription(ctx, offer); err != nil {
		return StepSetLocal, err
	}
	if n.conn.HasRemoteDescription() {
		n.logger.Warn().Msg("remote description already present, offer not sent")
		return "", nil
	}
	n.logger.Info().Msg("local offer ready")
	n.listener.LocalOfferReady(n.id, offer)
	return "", nil
}

func (n *Negotiator) answer(offer webrtc.SessionDescription) op {
	return func(ctx context.Context) (Step, error) {
		if err := n.conn.SetRemoteDescription(ctx, offer); err != nil {
			return StepSetRemote, err
		}
		answer, err := n.conn.CreateAnswer(ctx)
		if err != nil {
			return StepCreateAnswer, err
		}
		if err := n.conn.SetLocalDescription(ctx, answer); err != nil {
			return StepSetLocal, err
		}
		if !n.conn.HasLocalDescription() {
			n.logger.Warn().Msg("local description missing after set, answer not sent")
			return "", nil
		}
		n.logger.Info().Msg("local answer ready")
		n.listener.LocalAnswerReady(n.id, answer)
		return "", nil
	}
}

func (n *Negotiator) applyAnswer(answer webrtc.SessionDescription) op {
	return func(ctx context.Context) (Step, error) {
		if err := n.conn.SetRemoteDescription(ctx, answer); err != nil {
			return StepSetRemote, err
		}
		n.logger.Info().Msg("remote answer applied")
		n.listener.RemoteApplied(n.id)
		return "", nil
	}
}

// State is a snapshot of one handle's negotiation.
type State struct {
	Local  bool `json:"local"`
	Remote bool `json:"remote"`
	Failed bool `json:"failed"`
}

func (n *Negotiator) state() State {
	return State{
		Local:  n.conn.HasLocalDescription(),
		Remote: n.conn.HasRemoteDescription(),
		Failed: n.failed.Load(),
	}
}

func (n *Negotiator) close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.queue = nil
	n.mu.Unlock()

	n.cancel()
	<-n.done
	return n.conn.Close()
}
