package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
)

// Embedded terminates media in-process with pion: an endpoint is a
// PeerConnection, connect fans the publisher's RTP out to subscriber
// tracks. Meant for deployments without an external media server;
// pipelines are plain containers, there is no transcoding.
type Embedded struct {
	webrtcCfg webrtc.Configuration

	mu        sync.RWMutex
	pipelines map[core.PipelineRef]map[core.EndpointRef]struct{}
	endpoints map[core.EndpointRef]*localEndpoint
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewEmbedded(cfg webrtc.Configuration) *Embedded {
	return &Embedded{
		webrtcCfg: cfg,
		pipelines: make(map[core.PipelineRef]map[core.EndpointRef]struct{}),
		endpoints: make(map[core.EndpointRef]*localEndpoint),
	}
}

type localEndpoint struct {
	ref    core.EndpointRef
	pc     *webrtc.PeerConnection
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	relays []*relay
	sinks  map[core.EndpointRef]*localEndpoint
}

func (e *Embedded) CreatePipeline(ctx context.Context) (core.PipelineRef, error) {
	ref := core.PipelineRef(uuid.NewString())
	e.mu.Lock()
	e.pipelines[ref] = make(map[core.EndpointRef]struct{})
	e.mu.Unlock()
	log.Info().Str("module", "engine.embedded").Str("pipeline", string(ref)).Msg("pipeline created")
	return ref, nil
}

func (e *Embedded) CreateEndpoint(ctx context.Context, pipeline core.PipelineRef) (core.EndpointRef, error) {
	e.mu.RLock()
	_, ok := e.pipelines[pipeline]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown pipeline %s", domain.ErrEngineUnavailable, pipeline)
	}

	pc, err := webrtc.NewPeerConnection(e.webrtcCfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}

	epCtx, cancel := context.WithCancel(context.Background())
	ep := &localEndpoint{
		ref:    core.EndpointRef(uuid.NewString()),
		pc:     pc,
		ctx:    epCtx,
		cancel: cancel,
		sinks:  make(map[core.EndpointRef]*localEndpoint),
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		ep.onTrack(track)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "engine.embedded").
			Str("endpoint", string(ep.ref)).
			Str("ice_state", s.String()).
			Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	e.mu.Lock()
	e.endpoints[ep.ref] = ep
	e.pipelines[pipeline][ep.ref] = struct{}{}
	e.mu.Unlock()
	return ep.ref, nil
}

func (e *Embedded) ProcessOffer(ctx context.Context, endpoint core.EndpointRef, sdpOffer string) (string, error) {
	ep, err := e.endpoint(endpoint)
	if err != nil {
		return "", err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := ep.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}
	answer, err := ep.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(ep.pc)
	if err := ep.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return ep.pc.LocalDescription().SDP, nil
}

// Connect registers sink as a subscriber of src: every current and
// future inbound track of src gets a matching local track on sink.
func (e *Embedded) Connect(ctx context.Context, src, sink core.EndpointRef) error {
	srcEP, err := e.endpoint(src)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}
	sinkEP, err := e.endpoint(sink)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnect, err)
	}

	srcEP.mu.Lock()
	defer srcEP.mu.Unlock()
	srcEP.sinks[sink] = sinkEP
	for _, r := range srcEP.relays {
		if err := r.attach(sinkEP); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrConnect, err)
		}
	}
	return nil
}

func (e *Embedded) ReleaseEndpoint(ctx context.Context, endpoint core.EndpointRef) error {
	e.mu.Lock()
	ep, ok := e.endpoints[endpoint]
	if ok {
		delete(e.endpoints, endpoint)
		for _, eps := range e.pipelines {
			delete(eps, endpoint)
		}
	}
	// Detach from every publisher still fanning out to it.
	others := make([]*localEndpoint, 0, len(e.endpoints))
	for _, other := range e.endpoints {
		others = append(others, other)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	for _, other := range others {
		other.detachSink(endpoint)
	}

	ep.cancel()
	if err := ep.pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "engine.embedded").
			Str("endpoint", string(endpoint)).
			Msg("peer connection close")
	}
	return nil
}

func (e *Embedded) ReleasePipeline(ctx context.Context, pipeline core.PipelineRef) error {
	e.mu.Lock()
	eps, ok := e.pipelines[pipeline]
	delete(e.pipelines, pipeline)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	for ref := range eps {
		_ = e.ReleaseEndpoint(ctx, ref)
	}
	log.Info().Str("module", "engine.embedded").Str("pipeline", string(pipeline)).Msg("pipeline released")
	return nil
}

func (e *Embedded) endpoint(ref core.EndpointRef) (*localEndpoint, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.endpoints[ref]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %s", ref)
	}
	return ep, nil
}

func (ep *localEndpoint) onTrack(track *webrtc.TrackRemote) {
	r := newRelay(ep.ref, track)

	ep.mu.Lock()
	ep.relays = append(ep.relays, r)
	for _, sink := range ep.sinks {
		if err := r.attach(sink); err != nil {
			log.Warn().Err(err).Str("module", "engine.embedded").
				Str("endpoint", string(ep.ref)).
				Msg("late sink attach failed")
		}
	}
	ep.mu.Unlock()

	go r.loop(ep.ctx)
}

func (ep *localEndpoint) detachSink(ref core.EndpointRef) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.sinks, ref)
	for _, r := range ep.relays {
		r.detach(ref)
	}
}
