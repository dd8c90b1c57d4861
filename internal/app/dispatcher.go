package app

import (
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// LogDispatcher reports collaborator events to the log.
type LogDispatcher struct{}

func (LogDispatcher) ParticipantJoined(h domain.HandleInfo) {
	log.Info().Str("module", "app.events").
		Str("handle", h.ID.String()).
		Str("role", h.Role).
		Str("feed", h.Feed.String()).
		Str("display", h.Display).
		Msg("participant joined")
}

func (LogDispatcher) RemoteJSEP(id domain.HandleID, desc webrtc.SessionDescription) {
	log.Info().Str("module", "app.events").
		Str("handle", id.String()).
		Str("type", desc.Type.String()).
		Int("sdp_len", len(desc.SDP)).
		Msg("remote description")
}

func (LogDispatcher) ParticipantLeaving(id domain.HandleID) {
	log.Info().Str("module", "app.events").Str("handle", id.String()).Msg("participant leaving")
}

func (LogDispatcher) NegotiationFailed(id domain.HandleID, err error) {
	log.Error().Err(err).Str("module", "app.events").Str("handle", id.String()).Msg("negotiation failed")
}
