package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
	"github.com/tmeetei/groupcall/internal/metrics"
	"github.com/tmeetei/groupcall/internal/protocol"
)

const releaseTimeout = 5 * time.Second

// Orchestrator drives the media engine on behalf of sessions: one
// shared pipeline per room, one publish endpoint per publisher, one
// subscribe endpoint per viewer/publisher pair.
type Orchestrator struct {
	Registry *Registry
	Media    *MediaManager
	Engine   core.MediaEngine

	// NegotiationTimeout bounds the whole engine call chain of one
	// receiveVideoFrom request.
	NegotiationTimeout time.Duration

	Metrics *metrics.Metrics
}

// Join registers the session and returns the names of the
// participants already in its room, excluding the joiner and
// ownerless sessions.
func (o *Orchestrator) Join(s *core.Session) ([]string, error) {
	if o.Metrics != nil {
		o.Metrics.JoinsTotal.Inc()
	}
	if err := o.Registry.Register(s); err != nil {
		if o.Metrics != nil {
			o.Metrics.JoinsRejected.Inc()
		}
		return nil, err
	}
	o.trackSessions()

	peers := []string{}
	for _, p := range o.Registry.ListByRoom(s.Room) {
		if p.ID == s.ID || p.Name == "" {
			continue
		}
		peers = append(peers, string(p.Name))
	}
	return peers, nil
}

// ReceiveVideoFrom negotiates media flow from the named sender to the
// viewer and returns the SDP answer. When viewer and sender are the
// same session this is a publish; otherwise a subscription to an
// already-publishing sender.
func (o *Orchestrator) ReceiveVideoFrom(ctx context.Context, viewer *core.Session, sender domain.DisplayName, sdpOffer string) (string, error) {
	publisher, ok := o.Registry.ByName(sender)
	if !ok {
		o.countError(domain.ErrUnknownPublisher)
		return "", domain.ErrUnknownPublisher
	}

	if o.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.NegotiationTimeout)
		defer cancel()
	}

	start := time.Now()
	room := o.Media.GetOrCreate(viewer.Room)
	o.trackRooms()

	answer, err := o.negotiate(ctx, room, viewer, publisher, sdpOffer)
	if err != nil {
		err = mapEngineErr(err)
		o.countError(err)
		log.Error().Err(err).Str("module", "app.orch").
			Uint64("sid", uint64(viewer.ID)).
			Str("sender", string(sender)).
			Str("room", string(viewer.Room)).
			Msg("negotiation failed")
		return "", err
	}
	if o.Metrics != nil {
		o.Metrics.NegotiationSeconds.Observe(time.Since(start).Seconds())
	}
	return answer, nil
}

func (o *Orchestrator) negotiate(ctx context.Context, room *RoomMedia, viewer, publisher *core.Session, sdpOffer string) (string, error) {
	pipeline, err := room.Pipeline(ctx, o.Engine)
	if err != nil {
		return "", err
	}
	if publisher.ID == viewer.ID {
		o.countNegotiation("publish")
		return o.publish(ctx, room, pipeline, viewer, sdpOffer)
	}
	o.countNegotiation("subscribe")
	return o.subscribe(ctx, room, pipeline, viewer, publisher, sdpOffer)
}

// publish ensures the session's publish endpoint exists and processes
// the offer against it. Exactly one endpoint is created per publisher
// per room: concurrent racers share the winner's endpoint, and later
// offers are re-offers against the existing one. Only the genuinely
// first successful publish notifies the rest of the room.
func (o *Orchestrator) publish(ctx context.Context, room *RoomMedia, pipeline core.PipelineRef, s *core.Session, sdpOffer string) (string, error) {
	if ep, ok := room.Publisher(s.Name); ok {
		// Re-offer against the existing endpoint; no notification.
		return o.Engine.ProcessOffer(ctx, ep, sdpOffer)
	}

	type pubResult struct {
		ep      core.EndpointRef
		answer  string
		created bool
	}

	var winner bool
	v, err, _ := room.flight.Do("pub:"+string(s.Name), func() (any, error) {
		winner = true
		// Re-check: an earlier flight may have finished between our
		// fast-path miss and this closure running.
		if ep, ok := room.Publisher(s.Name); ok {
			return pubResult{ep: ep}, nil
		}
		ep, err := o.Engine.CreateEndpoint(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		answer, err := o.Engine.ProcessOffer(ctx, ep, sdpOffer)
		if err != nil {
			// The endpoint never becomes reachable from the
			// publisher map; release it and report the failure.
			o.releaseEndpoint(ep)
			return nil, err
		}
		room.setPublisher(s.Name, ep)
		return pubResult{ep: ep, answer: answer, created: true}, nil
	})
	if err != nil {
		return "", err
	}
	res := v.(pubResult)

	if !winner || !res.created {
		// A racer created the endpoint first; treat our offer as a
		// re-offer against it.
		return o.Engine.ProcessOffer(ctx, res.ep, sdpOffer)
	}

	log.Info().Str("module", "app.orch").
		Uint64("sid", uint64(s.ID)).
		Str("name", string(s.Name)).
		Str("room", string(s.Room)).
		Msg("participant publishing")
	o.notifyOthers(s.Room, s.Name)
	return res.answer, nil
}

// subscribe creates a fresh subscribe endpoint for the viewer and
// connects the publisher's media into it. The connect completes
// before the answer is returned.
func (o *Orchestrator) subscribe(ctx context.Context, room *RoomMedia, pipeline core.PipelineRef, viewer, publisher *core.Session, sdpOffer string) (string, error) {
	src, ok := room.Publisher(publisher.Name)
	if !ok {
		return "", domain.ErrPublisherNotReady
	}

	sink, err := o.Engine.CreateEndpoint(ctx, pipeline)
	if err != nil {
		return "", err
	}
	answer, err := o.Engine.ProcessOffer(ctx, sink, sdpOffer)
	if err != nil {
		o.releaseEndpoint(sink)
		return "", err
	}
	if err := o.Engine.Connect(ctx, src, sink); err != nil {
		o.releaseEndpoint(sink)
		return "", err
	}

	room.addSubscription(viewer.ID, sink)
	return answer, nil
}

// notifyOthers pushes newParticipantArrived to every session in the
// room except the new participant. Sessions without a live connection
// handle are skipped.
func (o *Orchestrator) notifyOthers(roomName domain.RoomName, name domain.DisplayName) {
	frame := protocol.NewParticipantArrived(string(name))
	for _, peer := range o.Registry.ListByRoom(roomName) {
		if peer.Name == name || peer.Name == "" || peer.Conn == nil {
			continue
		}
		if err := peer.Conn.TrySend(frame); err != nil {
			o.countDropped()
			log.Debug().Err(err).Str("module", "app.orch").
				Uint64("peer", uint64(peer.ID)).
				Msg("arrival notification dropped")
		}
	}
}

// Teardown removes the session and releases its media resources.
// Idempotent: a second call for the same id is a no-op.
func (o *Orchestrator) Teardown(id core.SessionID) {
	s := o.Registry.Unregister(id)
	if s == nil {
		return
	}
	o.trackSessions()

	room, ok := o.Media.Get(s.Room)
	if ok {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		if ep, had := room.removePublisher(s.Name); had {
			if err := o.Engine.ReleaseEndpoint(ctx, ep); err != nil {
				log.Warn().Err(err).Str("module", "app.orch").
					Str("name", string(s.Name)).
					Msg("publish endpoint release failed")
			}
		}
		for _, ep := range room.takeSubscriptions(s.ID) {
			if err := o.Engine.ReleaseEndpoint(ctx, ep); err != nil {
				log.Warn().Err(err).Str("module", "app.orch").
					Uint64("sid", uint64(s.ID)).
					Msg("subscribe endpoint release failed")
			}
		}

		// Last one out tears the room's pipeline down.
		if len(o.Registry.ListByRoom(s.Room)) == 0 {
			if p, had := room.takePipeline(); had {
				if err := o.Engine.ReleasePipeline(ctx, p); err != nil {
					log.Warn().Err(err).Str("module", "app.orch").
						Str("room", string(s.Room)).
						Msg("pipeline release failed")
				}
			}
			o.Media.Remove(s.Room)
			o.trackRooms()
		}
	}

	o.notifyLeft(s)
	log.Info().Str("module", "app.orch").
		Uint64("sid", uint64(id)).
		Str("name", string(s.Name)).
		Str("room", string(s.Room)).
		Msg("session torn down")
}

func (o *Orchestrator) notifyLeft(s *core.Session) {
	if s.Name == "" {
		return
	}
	frame := protocol.ParticipantLeft(string(s.Name))
	for _, peer := range o.Registry.ListByRoom(s.Room) {
		if peer.ID == s.ID || peer.Conn == nil {
			continue
		}
		if err := peer.Conn.TrySend(frame); err != nil {
			o.countDropped()
		}
	}
}

func (o *Orchestrator) releaseEndpoint(ep core.EndpointRef) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := o.Engine.ReleaseEndpoint(ctx, ep); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("endpoint release failed")
	}
}

// mapEngineErr folds context expiry into the negotiation-timeout
// error; everything else passes through.
func mapEngineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrNegotiationTimeout
	}
	return err
}

func errReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownPublisher):
		return "unknown_publisher"
	case errors.Is(err, domain.ErrPublisherNotReady):
		return "publisher_not_ready"
	case errors.Is(err, domain.ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, domain.ErrNegotiationTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrConnect):
		return "connect"
	default:
		return "negotiation"
	}
}

func (o *Orchestrator) countNegotiation(kind string) {
	if o.Metrics != nil {
		o.Metrics.Negotiations.WithLabelValues(kind).Inc()
	}
}

func (o *Orchestrator) countError(err error) {
	if o.Metrics != nil {
		o.Metrics.NegotiationErrors.WithLabelValues(errReason(err)).Inc()
	}
}

func (o *Orchestrator) countDropped() {
	if o.Metrics != nil {
		o.Metrics.MessagesDropped.Inc()
	}
}

func (o *Orchestrator) trackSessions() {
	if o.Metrics != nil {
		o.Metrics.ActiveSessions.Set(float64(o.Registry.Count()))
	}
}

func (o *Orchestrator) trackRooms() {
	if o.Metrics != nil {
		o.Metrics.ActiveRooms.Set(float64(o.Media.Count()))
	}
}
