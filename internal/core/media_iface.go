package core

import (
	"context"

	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MediaEngine creates one media connection per gateway handle.
type MediaEngine interface {
	NewConnection(id domain.HandleID, role domain.Role) (MediaConnection, error)
}

type MediaConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	HasLocalDescription() bool
	HasRemoteDescription() bool
	// OnICECandidate sets the callback for gathered local candidates.
	// A nil candidate means gathering is complete.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	// Close should stop all underlying media resources.
	Close() error
}

// TrackSink consumes RTP packets of one remote track.
type TrackSink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// SinkFactory hands out a sink for every remote track a subscriber receives.
type SinkFactory func(handle domain.HandleID, track *webrtc.TrackRemote) (TrackSink, error)
