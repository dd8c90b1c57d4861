// Package rtc implements the media engine on pion/webrtc.
package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type EngineOptions struct {
	ICEServers []string
	// LocalTracks are published on the publisher connection. Without them
	// the publisher offers send-only audio and video.
	LocalTracks []webrtc.TrackLocal
	// Sinks receives the remote tracks of subscriber connections. Nil
	// discards them.
	Sinks core.SinkFactory
}

type Engine struct {
	ctx  context.Context
	api  *webrtc.API
	cfg  webrtc.Configuration
	opts EngineOptions
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}

	cfg := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &Engine{
		ctx:  ctx,
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		cfg:  cfg,
		opts: opts,
	}, nil
}

func (e *Engine) NewConnection(id domain.HandleID, role domain.Role) (core.MediaConnection, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := newConnection(e.ctx, pc, id, e.opts.Sinks)

	switch role {
	case domain.RolePublisher:
		err = e.addPublisherMedia(pc)
	case domain.RoleSubscriber:
		err = addReceivers(pc)
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	log.Info().Str("module", "webrtc").Str("handle", id.String()).Str("role", role.String()).Msg("peer connection created")
	return c, nil
}

func (e *Engine) addPublisherMedia(pc *webrtc.PeerConnection) error {
	if len(e.opts.LocalTracks) > 0 {
		for _, t := range e.opts.LocalTracks {
			if _, err := pc.AddTrack(t); err != nil {
				return fmt.Errorf("add local track %s: %w", t.ID(), err)
			}
		}
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}
		if _, err := pc.AddTransceiverFromKind(kind, init); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func addReceivers(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
		if _, err := pc.AddTransceiverFromKind(kind, init); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}
