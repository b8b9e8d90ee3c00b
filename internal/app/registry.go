package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
)

// Registry indexes active sessions by id and by display name. Both
// indexes are updated under one lock so a session is either fully
// registered or not registered at all.
type Registry struct {
	mu     sync.RWMutex
	byID   map[core.SessionID]*core.Session
	byName map[domain.DisplayName]*core.Session
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[core.SessionID]*core.Session),
		byName: make(map[domain.DisplayName]*core.Session),
	}
}

// Register inserts the session into both indexes. Fails with
// domain.ErrNameConflict when an active session already holds the
// name; nothing is mutated in that case.
func (r *Registry) Register(s *core.Session) error {
	if err := domain.ValidateDisplayName(s.Name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[s.Name]; taken {
		return domain.ErrNameConflict
	}
	r.byID[s.ID] = s
	r.byName[s.Name] = s
	log.Info().Str("module", "app.registry").
		Uint64("sid", uint64(s.ID)).
		Str("name", string(s.Name)).
		Str("room", string(s.Room)).
		Msg("session registered")
	return nil
}

// Unregister removes both index entries and returns the removed
// session. Unknown ids are a no-op returning nil, so duplicate
// stop/leave/close signals are harmless.
func (r *Registry) Unregister(id core.SessionID) *core.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	if cur, ok := r.byName[s.Name]; ok && cur == s {
		delete(r.byName, s.Name)
	}
	log.Info().Str("module", "app.registry").
		Uint64("sid", uint64(id)).
		Str("name", string(s.Name)).
		Msg("session unregistered")
	return s
}

func (r *Registry) ByID(id core.SessionID) (*core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *Registry) ByName(name domain.DisplayName) (*core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// ListByRoom returns the sessions whose room matches, oldest
// registration first.
func (r *Registry) ListByRoom(room domain.RoomName) []*core.Session {
	r.mu.RLock()
	out := make([]*core.Session, 0, len(r.byID))
	for _, s := range r.byID {
		if s.Room == room {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
