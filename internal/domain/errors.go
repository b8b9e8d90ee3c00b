package domain

import "errors"

var (
	ErrNameEmpty   = errors.New("empty user name")
	ErrNameTooLong = errors.New("user name too long")

	// ErrNameConflict rejects a join whose display name is already
	// held by an active session.
	ErrNameConflict = errors.New("already registered")

	ErrUnknownPublisher  = errors.New("unknown publisher")
	ErrPublisherNotReady = errors.New("publisher has no media yet")

	ErrEngineUnavailable  = errors.New("media engine unavailable")
	ErrNegotiation        = errors.New("offer processing failed")
	ErrConnect            = errors.New("endpoint connect failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	ErrMalformedMessage = errors.New("malformed message")
)
