package core

import (
	"errors"

	"github.com/tmeetei/groupcall/internal/domain"
)

// Frame is one outbound signaling message, already encoded.
type Frame []byte

// SessionID is issued monotonically at connect time and never reused
// while any session is active.
type SessionID uint64

var (
	ErrBackpressure = errors.New("send buffer full")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Session is a registered participant identity bound to one connection
// and one room. Name and Room are set once at join and never change.
type Session struct {
	ID   SessionID
	Name domain.DisplayName
	Room domain.RoomName

	// Conn may be nil for a session whose transport is already gone;
	// notification fan-out skips it.
	Conn SignalConnection
}

// ParticipantView is a read-only view for APIs (no transport fields).
type ParticipantView struct {
	ID   SessionID          `json:"id"`
	Name domain.DisplayName `json:"name"`
	Room domain.RoomName    `json:"room"`
}

func (s *Session) View() ParticipantView {
	return ParticipantView{ID: s.ID, Name: s.Name, Room: s.Room}
}
