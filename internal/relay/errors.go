package relay

import (
	"errors"

	"github.com/aesterisk/aesterisk/internal/handshake"
	"github.com/aesterisk/aesterisk/internal/identity"
)

var (
	// ErrProtocolViolation closes the connection.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrRouteMiss means an event or sync request had nowhere to go. It is
	// logged at debug level and never closes a connection.
	ErrRouteMiss = errors.New("route miss")

	ErrAuthFailure         = handshake.ErrAuthFailure
	ErrAuthorizationDenied = identity.ErrAuthorizationDenied
)
