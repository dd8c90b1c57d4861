package core

import (
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
)

// EventDispatcher is the collaborator boundary. Implementations must not block.
type EventDispatcher interface {
	ParticipantJoined(h domain.HandleInfo)
	RemoteJSEP(id domain.HandleID, desc webrtc.SessionDescription)
	ParticipantLeaving(id domain.HandleID)
	NegotiationFailed(id domain.HandleID, err error)
}
