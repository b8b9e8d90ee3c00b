// Package protocol defines the JSON envelopes exchanged over the
// signaling connection. One envelope per logical message; the `id`
// field names the message kind.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tmeetei/groupcall/internal/core"
	"github.com/tmeetei/groupcall/internal/domain"
)

// Client -> server message kinds.
const (
	KindJoinRoom         = "joinRoom"
	KindReceiveVideoFrom = "receiveVideoFrom"
	KindStop             = "stop"
	KindLeaveRoom        = "leaveRoom"
)

// Server -> client message kinds.
const (
	KindExistingParticipants  = "existingParticipants"
	KindRegisterResponse      = "registerResponse"
	KindReceiveVideoAnswer    = "receiveVideoAnswer"
	KindNewParticipantArrived = "newParticipantArrived"
	KindParticipantLeft       = "participantLeft"
	KindError                 = "error"
)

// Envelope is the decoded shape of any inbound message. Only the
// fields relevant to the kind are populated.
type Envelope struct {
	Kind     string `json:"id"`
	Name     string `json:"name,omitempty"`
	Room     string `json:"room,omitempty"`
	Sender   string `json:"sender,omitempty"`
	SDPOffer string `json:"sdpOffer,omitempty"`
}

// Decode parses raw into an Envelope and validates the fields the
// kind requires. Unrecognized kinds pass through so the gateway can
// answer them with an error envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing id", domain.ErrMalformedMessage)
	}
	switch env.Kind {
	case KindJoinRoom:
		// An empty name is shaped like a valid join; the registry
		// rejects it so the client gets a registerResponse, not a
		// protocol error.
	case KindReceiveVideoFrom:
		if env.Sender == "" {
			return Envelope{}, fmt.Errorf("%w: receiveVideoFrom without sender", domain.ErrMalformedMessage)
		}
		if env.SDPOffer == "" {
			return Envelope{}, fmt.Errorf("%w: receiveVideoFrom without sdpOffer", domain.ErrMalformedMessage)
		}
	}
	return env, nil
}

func marshal(v any) core.Frame {
	b, _ := json.Marshal(v)
	return b
}

// ExistingParticipants is the reply to a successful join: the names
// already present in the room, excluding the joiner and ownerless
// sessions.
func ExistingParticipants(names []string) core.Frame {
	if names == nil {
		names = []string{}
	}
	return marshal(struct {
		ID   string   `json:"id"`
		Data []string `json:"data"`
	}{KindExistingParticipants, names})
}

// RegisterRejected is the reply to a failed join.
func RegisterRejected(reason string) core.Frame {
	return marshal(struct {
		ID       string `json:"id"`
		Response string `json:"response"`
		Message  string `json:"message"`
	}{KindRegisterResponse, "rejected", reason})
}

// ReceiveVideoAnswer carries the SDP answer for one negotiation,
// tagged with the sender so concurrent requests from one connection
// stay distinguishable.
func ReceiveVideoAnswer(sender, sdpAnswer string) core.Frame {
	return marshal(struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		SDPAnswer string `json:"sdpAnswer"`
	}{KindReceiveVideoAnswer, sender, sdpAnswer})
}

// NewParticipantArrived is pushed to every other room member when a
// participant's media becomes available.
func NewParticipantArrived(name string) core.Frame {
	return marshal(struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{KindNewParticipantArrived, name})
}

// ParticipantLeft is pushed to the remaining room members on
// departure.
func ParticipantLeft(name string) core.Frame {
	return marshal(struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}{KindParticipantLeft, name})
}

// Error reports an unrecognized or malformed message back to its
// sender.
func Error(message string) core.Frame {
	return marshal(struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}{KindError, message})
}
