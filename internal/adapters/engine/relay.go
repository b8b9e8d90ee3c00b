package engine

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tmeetei/groupcall/internal/core"
)

// relay fans one publisher track out to the local tracks of every
// connected subscriber endpoint.
type relay struct {
	src   core.EndpointRef
	track *webrtc.TrackRemote

	mu   sync.RWMutex
	outs map[core.EndpointRef]*webrtc.TrackLocalStaticRTP
}

func newRelay(src core.EndpointRef, track *webrtc.TrackRemote) *relay {
	return &relay{
		src:   src,
		track: track,
		outs:  make(map[core.EndpointRef]*webrtc.TrackLocalStaticRTP),
	}
}

func (r *relay) attach(sink *localEndpoint) error {
	local, err := webrtc.NewTrackLocalStaticRTP(
		r.track.Codec().RTPCodecCapability, r.track.ID(), r.track.StreamID())
	if err != nil {
		return err
	}
	if _, err := sink.pc.AddTrack(local); err != nil {
		return err
	}
	r.mu.Lock()
	r.outs[sink.ref] = local
	r.mu.Unlock()
	return nil
}

func (r *relay) detach(ref core.EndpointRef) {
	r.mu.Lock()
	delete(r.outs, ref)
	r.mu.Unlock()
}

// loop reads RTP from the source track until the endpoint goes away.
func (r *relay) loop(ctx context.Context) {
	logger := log.With().
		Str("module", "engine.embedded").
		Str("endpoint", string(r.src)).
		Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := r.track.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP, stopping")
			return
		}
		r.forward(pkt, &logger)
	}
}

// forward writes pkt to every out track; a failing out track is
// dropped.
func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[core.EndpointRef]*webrtc.TrackLocalStaticRTP, 4)
	r.mu.RLock()
	maps.Copy(snapshot, r.outs)
	r.mu.RUnlock()

	for ref, out := range snapshot {
		if err := out.WriteRTP(pkt); err != nil {
			logger.Debug().Err(err).
				Str("sink", string(ref)).
				Msg("relay write RTP, dropping sink")
			r.detach(ref)
		}
	}
}
