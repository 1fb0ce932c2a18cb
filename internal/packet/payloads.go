package packet

import (
	"github.com/google/uuid"
)

type WSAuthData struct {
	UserID int64 `json:"user_id"`
	// PublicKey is optional for dashboards; when present it must match the key on record.
	PublicKey string `json:"public_key,omitempty"`
}

type DSAuthData struct {
	DaemonUUID uuid.UUID `json:"daemon_uuid"`
	PublicKey  string    `json:"public_key"`
}

// HandshakeRequestData is sent by the relay with a fresh challenge.
type HandshakeRequestData struct {
	Challenge string `json:"challenge"`
}

// HandshakeResponseData echoes the challenge back after decryption.
type HandshakeResponseData struct {
	Challenge string `json:"challenge"`
}

type AuthResponseData struct {
	Success bool `json:"success"`
}

// ListenRequest asks for one event type from a set of daemons.
type ListenRequest struct {
	Event   EventType   `json:"event"`
	Daemons []uuid.UUID `json:"daemons"`
}

type WSListenData struct {
	Events []ListenRequest `json:"events"`
}

type SDListenData struct {
	Events []EventType `json:"events"`
}

type DSEventData struct {
	Event Event `json:"event"`
	// Daemon is optional; when set it must name the sending daemon.
	Daemon *uuid.UUID `json:"daemon,omitempty"`
}

type SWEventData struct {
	Event  Event     `json:"event"`
	Daemon uuid.UUID `json:"daemon"`
}

type WSSyncData struct {
	Daemon uuid.UUID `json:"daemon"`
}

type SDSyncData struct {
	RequestedAt int64 `json:"requested_at,omitempty"`
}

// HandshakeRequestID returns the handshake request packet addressed to e.
func HandshakeRequestID(e Endpoint) ID {
	if e == Daemon {
		return SDHandshakeRequest
	}
	return SWHandshakeRequest
}

// HandshakeResponseID returns the handshake response packet sent by e.
func HandshakeResponseID(e Endpoint) ID {
	if e == Daemon {
		return DSHandshakeResponse
	}
	return WSHandshakeResponse
}

// AuthResponseID returns the auth result packet addressed to e.
func AuthResponseID(e Endpoint) ID {
	if e == Daemon {
		return SDAuthResponse
	}
	return SWAuthResponse
}
