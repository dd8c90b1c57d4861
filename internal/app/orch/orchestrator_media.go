package orch

import (
	"errors"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/negotiation"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// mediaEvents receives negotiation results off-loop. Description results
// are posted back onto the dispatch loop; candidates are trickled directly.
type mediaEvents struct {
	o *Orchestrator
}

func (m mediaEvents) LocalOfferReady(id domain.HandleID, offer webrtc.SessionDescription) {
	m.o.post(func() { m.o.configure(id, offer) })
}

func (m mediaEvents) LocalAnswerReady(id domain.HandleID, answer webrtc.SessionDescription) {
	m.o.post(func() { m.o.start(id, answer) })
}

func (m mediaEvents) RemoteApplied(id domain.HandleID) {
	m.o.post(func() {
		h, err := m.o.Handles.Get(id)
		if err != nil {
			return
		}
		if err := h.Transition(domain.StateActive); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("handle", id.String()).Msg("remote answer applied")
			return
		}
		log.Info().Str("module", "orch").Str("handle", id.String()).Msg("publishing")
	})
}

func (m mediaEvents) Failed(id domain.HandleID, err error) {
	m.o.post(func() { m.o.events.NegotiationFailed(id, err) })
}

func (m mediaEvents) Candidate(id domain.HandleID, c webrtc.ICECandidateInit) {
	m.o.trickle(id, func(tx string, sid domain.SessionID) protocol.Request {
		return protocol.Trickle(tx, sid, id, c)
	})
}

func (m mediaEvents) CandidatesComplete(id domain.HandleID) {
	m.o.trickle(id, func(tx string, sid domain.SessionID) protocol.Request {
		return protocol.TrickleCompleted(tx, sid, id)
	})
}

// trickle sends a candidate without registering a transaction.
func (o *Orchestrator) trickle(id domain.HandleID, build func(tx string, sid domain.SessionID) protocol.Request) {
	if o.isStopped() {
		return
	}
	if _, err := o.Handles.Get(id); err != nil {
		log.Debug().Err(err).Str("module", "orch").Msg("candidate for dropped handle")
		return
	}
	if err := o.send(build(uuid.NewString(), o.sessionID())); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", id.String()).Msg("trickle")
	}
}

// configure publishes the local offer of the publisher handle.
func (o *Orchestrator) configure(id domain.HandleID, offer webrtc.SessionDescription) {
	h, err := o.Handles.Get(id)
	if err != nil || !h.State().Live() {
		return
	}
	sid := o.sessionID()
	err = o.request(func(tx string) protocol.Request {
		return protocol.Configure(tx, sid, id, offer)
	}, func(res app.Result) {
		if res.Err != nil && !errors.Is(res.Err, app.ErrSessionClosed) {
			log.Error().Err(res.Err).Str("module", "orch").Str("handle", id.String()).Msg("configure")
			o.descriptionRejected(id, res.Err)
		}
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("handle", id.String()).Msg("configure")
	}
}

// start answers the gateway's offer on a subscriber handle.
func (o *Orchestrator) start(id domain.HandleID, answer webrtc.SessionDescription) {
	h, err := o.Handles.Get(id)
	if err != nil || !h.State().Live() {
		return
	}
	sid := o.sessionID()
	err = o.request(func(tx string) protocol.Request {
		return protocol.Start(tx, sid, id, o.opts.Room, answer)
	}, func(res app.Result) {
		if res.Err != nil && !errors.Is(res.Err, app.ErrSessionClosed) {
			log.Error().Err(res.Err).Str("module", "orch").Str("handle", id.String()).Msg("start")
			o.descriptionRejected(id, res.Err)
		}
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("handle", id.String()).Msg("start")
		return
	}
	if err := h.Transition(domain.StateActive); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", id.String()).Msg("start")
	}
}

// descriptionRejected latches the negotiator of a handle whose description
// the gateway refused and reports the failure.
func (o *Orchestrator) descriptionRejected(id domain.HandleID, err error) {
	ferr := o.Negotiation.Fail(id, err)
	if errors.Is(ferr, negotiation.ErrUnknownHandle) {
		ferr = err
	}
	o.events.NegotiationFailed(id, ferr)
}
