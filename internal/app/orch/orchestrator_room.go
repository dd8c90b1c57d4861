package orch

import (
	"errors"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleInbound(msg *protocol.Inbound) {
	switch msg.Janus {
	case protocol.KindSuccess, protocol.KindError, protocol.KindAck:
		if err := o.Registry.Dispatch(msg); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("janus", string(msg.Janus)).Msg("dropped response")
		}
	case protocol.KindEvent:
		if err := o.Registry.Dispatch(msg); err != nil && !errors.Is(err, app.ErrNotTransaction) {
			log.Warn().Err(err).Str("module", "orch").Msg("event transaction")
		}
		o.handleEvent(msg)
	case protocol.KindDetached:
		o.onDetached(msg.Sender)
	case protocol.KindWebRTCUp:
		if h, err := o.Handles.Get(msg.Sender); err == nil {
			if err := h.Transition(domain.StateActive); err != nil {
				log.Debug().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("webrtcup")
			}
			log.Info().Str("module", "orch").Str("handle", h.ID.String()).Msg("media path up")
		}
	case protocol.KindHangup:
		log.Info().Str("module", "orch").Str("handle", msg.Sender.String()).Str("reason", msg.Reason).Msg("peer connection hung up")
	case protocol.KindMedia, protocol.KindSlowLink:
		log.Debug().Str("module", "orch").Str("janus", string(msg.Janus)).Str("handle", msg.Sender.String()).Msg("media notice")
	case protocol.KindTimeout:
		if msg.SessionID == o.sessionID() {
			o.fail(ErrSessionTimeout)
		}
	default:
		log.Debug().Str("module", "orch").Str("janus", string(msg.Janus)).Msg("ignored message")
	}
}

func (o *Orchestrator) handleEvent(msg *protocol.Inbound) {
	h, err := o.Handles.Get(msg.Sender)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("event for untracked handle")
		return
	}
	data := msg.VideoRoom()
	if data.ErrorCode != 0 {
		log.Error().Str("module", "orch").
			Str("handle", h.ID.String()).
			Int("code", data.ErrorCode).
			Str("reason", data.Error).
			Msg("videoroom error")
		return
	}

	switch data.VideoRoom {
	case "joined":
		o.onJoined(h, data)
	case "attached":
		o.onAttached(h)
	case "destroyed":
		o.fail(ErrRoomDestroyed)
		return
	}

	if len(data.Publishers) > 0 {
		o.fanOut(data.Publishers)
	}
	if ref := data.Leaving; ref != nil && !ref.OK {
		o.remoteLeft(ref.Feed, "leaving")
	}
	if ref := data.Unpublished; ref != nil && !ref.OK {
		o.remoteLeft(ref.Feed, "unpublished")
	}
	if msg.JSEP != nil {
		o.onRemoteJSEP(h, msg.JSEP)
	}
}

func (o *Orchestrator) onJoined(h *domain.Handle, data *protocol.VideoRoomData) {
	if h.Role != domain.RolePublisher {
		log.Warn().Str("module", "orch").Str("handle", h.ID.String()).Msg("joined event on subscriber")
		return
	}
	o.Handles.SetPublisherFeed(data.ID)
	if err := h.Transition(domain.StateJoined); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("joined")
		return
	}
	log.Info().Str("module", "orch").Str("handle", h.ID.String()).Str("feed", data.ID.String()).Msg("joined room as publisher")
	o.events.ParticipantJoined(h.Info())

	if err := o.Negotiation.Open(h.ID, domain.RolePublisher); err != nil {
		o.events.NegotiationFailed(h.ID, err)
		return
	}
	if err := h.Transition(domain.StateNegotiating); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("offer")
	}
	if err := o.Negotiation.Offer(h.ID); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("offer")
	}
}

func (o *Orchestrator) onAttached(h *domain.Handle) {
	if h.Role != domain.RoleSubscriber {
		log.Warn().Str("module", "orch").Str("handle", h.ID.String()).Msg("attached event on publisher")
		return
	}
	if err := h.Transition(domain.StateJoined); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("attached")
		return
	}
	log.Info().Str("module", "orch").Str("handle", h.ID.String()).Str("feed", h.Feed.String()).Msg("subscribed to feed")
	o.events.ParticipantJoined(h.Info())
	if err := o.Negotiation.Open(h.ID, domain.RoleSubscriber); err != nil {
		o.events.NegotiationFailed(h.ID, err)
	}
}

func (o *Orchestrator) onRemoteJSEP(h *domain.Handle, jsep *protocol.JSEP) {
	desc, err := jsep.SessionDescription()
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("dropped remote description")
		return
	}
	o.events.RemoteJSEP(h.ID, desc)

	switch {
	case h.Role == domain.RoleSubscriber && desc.Type == webrtc.SDPTypeOffer:
		if err := h.Transition(domain.StateNegotiating); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("remote offer")
			return
		}
		err = o.Negotiation.Answer(h.ID, desc)
	case h.Role == domain.RolePublisher && desc.Type == webrtc.SDPTypeAnswer:
		err = o.Negotiation.ApplyAnswer(h.ID, desc)
	default:
		log.Warn().Str("module", "orch").
			Str("handle", h.ID.String()).
			Str("role", h.Role.String()).
			Str("type", desc.Type.String()).
			Msg("unexpected remote description")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("queue negotiation")
	}
}

// fanOut subscribes to every listed publisher that is not already tracked,
// attaching, or our own feed.
func (o *Orchestrator) fanOut(pubs []protocol.Publisher) {
	if o.closing.Load() {
		return
	}
	for _, p := range pubs {
		h, ok := o.Handles.BeginAttach(p.ID, p.Display)
		if !ok {
			continue
		}
		o.attachSubscriber(h)
	}
}

func (o *Orchestrator) attachSubscriber(h *domain.Handle) {
	sid := o.sessionID()
	err := o.request(func(tx string) protocol.Request {
		return protocol.Attach(tx, sid)
	}, func(res app.Result) {
		if res.Err != nil {
			o.Handles.AbortAttach(h.Feed)
			log.Error().Err(res.Err).Str("module", "orch").Str("feed", h.Feed.String()).Msg("attach subscriber")
			return
		}
		id, err := res.Message.DataID()
		if err != nil {
			o.Handles.AbortAttach(h.Feed)
			log.Error().Err(err).Str("module", "orch").Str("feed", h.Feed.String()).Msg("attach subscriber")
			return
		}
		cancelled := o.Handles.AttachCancelled(h.Feed)
		if err := o.Handles.Bind(h, domain.HandleID(id)); err != nil {
			o.Handles.AbortAttach(h.Feed)
			log.Error().Err(err).Str("module", "orch").Str("feed", h.Feed.String()).Msg("attach subscriber")
			return
		}
		if o.closing.Load() {
			return
		}
		if cancelled {
			log.Info().Str("module", "orch").Str("feed", h.Feed.String()).Msg("feed left during attach")
			o.leave(h, nil)
			return
		}
		o.joinSubscriber(h)
	})
	if err != nil {
		o.Handles.AbortAttach(h.Feed)
		log.Error().Err(err).Str("module", "orch").Str("feed", h.Feed.String()).Msg("attach subscriber")
	}
}

func (o *Orchestrator) joinSubscriber(h *domain.Handle) {
	sid := o.sessionID()
	err := o.request(func(tx string) protocol.Request {
		return protocol.JoinSubscriber(tx, sid, h.ID, o.opts.Room, h.Feed)
	}, func(res app.Result) {
		if res.Err != nil && !errors.Is(res.Err, app.ErrSessionClosed) {
			log.Error().Err(res.Err).Str("module", "orch").Str("handle", h.ID.String()).Msg("join as subscriber")
			o.leave(h, nil)
		}
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("join as subscriber")
	}
}

func (o *Orchestrator) remoteLeft(feed domain.FeedID, why string) {
	h, err := o.Handles.ByFeed(feed)
	if err != nil {
		if o.Handles.CancelAttach(feed) {
			log.Info().Str("module", "orch").Str("feed", feed.String()).Str("reason", why).Msg("remote publisher left during attach")
			return
		}
		log.Warn().Err(err).Str("module", "orch").Str("reason", why).Msg("remote left")
		return
	}
	log.Info().Str("module", "orch").Str("feed", feed.String()).Str("reason", why).Msg("remote publisher left")
	o.leave(h, nil)
}

// leave sends detach for h. The bookkeeping is dropped once the gateway
// confirms. done, if set, runs once the attempt is over; a leave of a handle
// whose detach is already pending waits for that detach.
func (o *Orchestrator) leave(h *domain.Handle, done func()) {
	if waiters, ok := o.detaching[h.ID]; ok {
		if done != nil {
			o.detaching[h.ID] = append(waiters, done)
		}
		return
	}
	if h.State() == domain.StateDetached {
		if done != nil {
			done()
		}
		return
	}
	if err := h.Transition(domain.StateLeaving); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("leave")
		if done != nil {
			done()
		}
		return
	}
	var waiters []func()
	if done != nil {
		waiters = append(waiters, done)
	}
	o.detaching[h.ID] = waiters
	finish := func() {
		pending := o.detaching[h.ID]
		delete(o.detaching, h.ID)
		for _, fn := range pending {
			fn()
		}
	}

	sid := o.sessionID()
	err := o.request(func(tx string) protocol.Request {
		return protocol.Detach(tx, sid, h.ID)
	}, func(res app.Result) {
		defer finish()
		if res.Err != nil {
			log.Error().Err(res.Err).Str("module", "orch").Str("handle", h.ID.String()).Msg("detach")
			return
		}
		o.dropHandle(h)
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("detach")
		finish()
	}
}

// onDetached handles the gateway's notice that it already dropped a handle.
func (o *Orchestrator) onDetached(id domain.HandleID) {
	h, err := o.Handles.Get(id)
	if err != nil {
		log.Debug().Err(err).Str("module", "orch").Msg("detached")
		return
	}
	o.dropHandle(h)
	if h.Role == domain.RolePublisher && !o.closing.Load() {
		o.fail(ErrPublisherDetached)
	}
}

func (o *Orchestrator) dropHandle(h *domain.Handle) {
	if _, ok := o.Handles.Remove(h.ID); !ok {
		return
	}
	if err := o.Negotiation.Close(h.ID); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("close media connection")
	}
	if err := h.Transition(domain.StateDetached); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("handle", h.ID.String()).Msg("detached")
	}
	log.Info().Str("module", "orch").Str("handle", h.ID.String()).Str("feed", h.Feed.String()).Msg("handle detached")
	o.events.ParticipantLeaving(h.ID)
}
