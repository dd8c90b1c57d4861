package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connection is the media connection of one gateway handle.
type Connection struct {
	pc     *webrtc.PeerConnection
	id     domain.HandleID
	sinks  core.SinkFactory
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	onICE func(*webrtc.ICECandidateInit)
}

func newConnection(ctx context.Context, pc *webrtc.PeerConnection, id domain.HandleID, sinks core.SinkFactory) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		pc:     pc,
		id:     id,
		sinks:  sinks,
		logger: log.With().Str("module", "webrtc").Str("handle", id.String()).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.cancel()
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn == nil {
			return
		}
		if cand == nil {
			fn(nil)
			return
		}
		init := cand.ToJSON()
		fn(&init)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.startPump(track)
	})
	return c
}

func (c *Connection) startPump(track *webrtc.TrackRemote) {
	if c.sinks == nil {
		go discard(c.ctx, track)
		return
	}
	sink, err := c.sinks(c.id, track)
	if err != nil {
		c.logger.Error().Err(err).Str("track_id", track.ID()).Msg("no sink for track")
		go discard(c.ctx, track)
		return
	}
	logger := c.logger.With().Str("track_id", track.ID()).Logger()
	go pump(c.ctx, trackReader(track), sink, &logger)
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) HasLocalDescription() bool { return c.pc.LocalDescription() != nil }

func (c *Connection) HasRemoteDescription() bool { return c.pc.RemoteDescription() != nil }

func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
