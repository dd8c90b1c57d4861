package rtc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type packetReader func() (*rtp.Packet, error)

func trackReader(t *webrtc.TrackRemote) packetReader {
	return func() (*rtp.Packet, error) {
		pkt, _, err := t.ReadRTP()
		return pkt, err
	}
}

// pump reads RTP packets from the remote track and writes them to sink
// until either side fails or ctx ends.
func pump(ctx context.Context, read packetReader, sink core.TrackSink, logger *zerolog.Logger) {
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Msg("close sink")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("pump ctx done")
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Msg("remote track ended")
			} else {
				logger.Error().Err(err).Msg("pump read RTP error, stopping")
			}
			return
		}
		if err := sink.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("pump write RTP error, stopping")
			return
		}
	}
}

func discard(ctx context.Context, track *webrtc.TrackRemote) {
	for ctx.Err() == nil {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// CountingSink counts the packets and payload bytes of one remote track.
type CountingSink struct {
	Handle domain.HandleID
	Kind   string

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *CountingSink) WriteRTP(pkt *rtp.Packet) error {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	return nil
}

func (s *CountingSink) Stats() (packets, bytes uint64) {
	return s.packets.Load(), s.bytes.Load()
}

func (s *CountingSink) Close() error {
	packets, bytes := s.Stats()
	log.Info().Str("module", "webrtc").
		Str("handle", s.Handle.String()).
		Str("kind", s.Kind).
		Uint64("packets", packets).
		Uint64("bytes", bytes).
		Msg("remote track finished")
	return nil
}

// CountingSinks is a SinkFactory handing out a CountingSink per track.
func CountingSinks(handle domain.HandleID, track *webrtc.TrackRemote) (core.TrackSink, error) {
	return &CountingSink{Handle: handle, Kind: track.Kind().String()}, nil
}
