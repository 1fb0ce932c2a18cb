// Package packet defines the wire packets exchanged between dashboards,
// daemons and the relay, and the single versioned table that says which
// packets exist, who may send them, and what their payload must look like.
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version carried by every packet.
type Version uint8

// ID identifies a packet kind within a Version.
type ID uint8

const (
	// V0_1_0 is the only protocol version currently spoken.
	V0_1_0 Version = 0

	Current = V0_1_0
)

func (v Version) String() string {
	switch v {
	case V0_1_0:
		return "v0.1.0"
	default:
		return fmt.Sprintf("v?(%d)", uint8(v))
	}
}

var (
	ErrUnknownPacket = errors.New("unknown packet")
	ErrInvalidData   = errors.New("invalid packet data")
)

// Packet is the plaintext carried inside an envelope.
type Packet struct {
	Version Version         `json:"version"`
	ID      ID              `json:"id"`
	Data    json.RawMessage `json:"data"`
}

// New builds a packet of the current version with payload marshalled into Data.
func New(id ID, payload any) (Packet, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("marshal %s data: %w", id, err)
	}
	return Packet{Version: Current, ID: id, Data: data}, nil
}

// Spec returns the table entry for p, or ErrUnknownPacket.
func (p Packet) Spec() (*Spec, error) {
	spec, ok := Lookup(p.Version, p.ID)
	if !ok {
		return nil, fmt.Errorf("%w: version=%d id=%d", ErrUnknownPacket, p.Version, p.ID)
	}
	return spec, nil
}

// Decode unmarshals Data into v after checking p is of kind id.
func (p Packet) Decode(id ID, v any) error {
	if p.ID != id {
		return fmt.Errorf("%w: want %s, got %s", ErrUnknownPacket, id, p.ID)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, id, err)
	}
	return nil
}

// Validate checks that p is a known (version, id) pair and that its payload
// matches the schema registered for it.
func Validate(p Packet) error {
	spec, err := p.Spec()
	if err != nil {
		return err
	}
	return spec.validate(p.Data)
}
