package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
)

// RoomMedia is the media-plane state of one room: the shared pipeline,
// the publish endpoint of every publisher, and the subscribe endpoints
// each session owns. Creation of the pipeline and of a publisher's
// endpoint goes through a singleflight group so concurrent racers
// converge on a single engine object.
type RoomMedia struct {
	room   domain.RoomName
	flight singleflight.Group

	mu            sync.RWMutex
	pipeline      core.PipelineRef
	hasPipeline   bool
	publishers    map[domain.DisplayName]core.EndpointRef
	subscriptions map[core.SessionID][]core.EndpointRef
}

func newRoomMedia(room domain.RoomName) *RoomMedia {
	return &RoomMedia{
		room:          room,
		publishers:    make(map[domain.DisplayName]core.EndpointRef),
		subscriptions: make(map[core.SessionID][]core.EndpointRef),
	}
}

// Pipeline returns the room's pipeline, creating it on first use.
// Concurrent first callers share one engine call; the losers wait for
// and reuse the winner's result. A failed creation leaves no state
// behind, so the next caller retries.
func (m *RoomMedia) Pipeline(ctx context.Context, engine core.MediaEngine) (core.PipelineRef, error) {
	m.mu.RLock()
	if m.hasPipeline {
		p := m.pipeline
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.flight.Do("pipeline", func() (any, error) {
		m.mu.RLock()
		if m.hasPipeline {
			p := m.pipeline
			m.mu.RUnlock()
			return p, nil
		}
		m.mu.RUnlock()

		p, err := engine.CreatePipeline(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.pipeline = p
		m.hasPipeline = true
		m.mu.Unlock()
		log.Info().Str("module", "app.media").
			Str("room", string(m.room)).
			Str("pipeline", string(p)).
			Msg("pipeline created")
		return p, nil
	})
	if err != nil {
		return "", err
	}
	return v.(core.PipelineRef), nil
}

// Publisher returns the recorded publish endpoint for name, if any.
func (m *RoomMedia) Publisher(name domain.DisplayName) (core.EndpointRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.publishers[name]
	return ep, ok
}

func (m *RoomMedia) setPublisher(name domain.DisplayName, ep core.EndpointRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers[name] = ep
}

// removePublisher drops the map entry and returns the endpoint so the
// caller can release it against the engine.
func (m *RoomMedia) removePublisher(name domain.DisplayName) (core.EndpointRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.publishers[name]
	if ok {
		delete(m.publishers, name)
	}
	return ep, ok
}

func (m *RoomMedia) addSubscription(sid core.SessionID, ep core.EndpointRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sid] = append(m.subscriptions[sid], ep)
}

func (m *RoomMedia) takeSubscriptions(sid core.SessionID) []core.EndpointRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.subscriptions[sid]
	delete(m.subscriptions, sid)
	return eps
}

// takePipeline clears the pipeline for room teardown and returns it.
func (m *RoomMedia) takePipeline() (core.PipelineRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasPipeline {
		return "", false
	}
	p := m.pipeline
	m.pipeline = ""
	m.hasPipeline = false
	return p, true
}

// MediaManager owns one RoomMedia per room, created lazily.
type MediaManager struct {
	mu    sync.RWMutex
	rooms map[domain.RoomName]*RoomMedia
}

func NewMediaManager() *MediaManager {
	return &MediaManager{rooms: make(map[domain.RoomName]*RoomMedia)}
}

func (f *MediaManager) GetOrCreate(room domain.RoomName) *RoomMedia {
	f.mu.RLock()
	m, ok := f.rooms[room]
	f.mu.RUnlock()
	if ok {
		return m
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok = f.rooms[room]; ok {
		return m
	}
	m = newRoomMedia(room)
	f.rooms[room] = m
	return m
}

// Get never creates; teardown paths use it so an empty room does not
// spring back into existence.
func (f *MediaManager) Get(room domain.RoomName) (*RoomMedia, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.rooms[room]
	return m, ok
}

func (f *MediaManager) Remove(room domain.RoomName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, room)
}

func (f *MediaManager) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rooms)
}
