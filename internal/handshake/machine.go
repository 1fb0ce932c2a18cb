// Package handshake implements the challenge-response exchange that binds a
// connection to a principal.
//
//	peer -> relay  WSAuth / DSAuth           (claim)
//	relay -> peer  *HandshakeRequest         (challenge, sealed to the claimed key)
//	peer -> relay  *HandshakeResponse        (challenge echoed back)
//	relay -> peer  *AuthResponse             (success)
//
// Only the holder of the claimed private key can read the challenge, so an
// echo of the right value proves possession.
package handshake

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/aesterisk/aesterisk/internal/envelope"
	"github.com/aesterisk/aesterisk/internal/identity"
	"github.com/aesterisk/aesterisk/internal/packet"
)

var (
	ErrAuthFailure = errors.New("authentication failed")
	ErrOutOfOrder  = errors.New("handshake packet out of order")
)

type State uint8

const (
	AwaitingAuth State = iota
	ChallengeSent
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingAuth:
		return "awaiting_auth"
	case ChallengeSent:
		return "challenge_sent"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Claim is who a peer says it is.
type Claim struct {
	Principal   identity.Principal
	DeclaredKey *rsa.PublicKey
}

// ParseClaim reads the auth packet an endpoint of kind from must open with.
func ParseClaim(p packet.Packet, from packet.Endpoint) (Claim, error) {
	switch from {
	case packet.Dashboard:
		var data packet.WSAuthData
		if err := p.Decode(packet.WSAuth, &data); err != nil {
			return Claim{}, fmt.Errorf("%w: %v", ErrOutOfOrder, err)
		}
		c := Claim{Principal: identity.User(identity.UserID(data.UserID))}
		if data.PublicKey != "" {
			key, err := envelope.ParsePublicKeyPEM([]byte(data.PublicKey))
			if err != nil {
				return Claim{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
			}
			c.DeclaredKey = key
		}
		return c, nil
	case packet.Daemon:
		var data packet.DSAuthData
		if err := p.Decode(packet.DSAuth, &data); err != nil {
			return Claim{}, fmt.Errorf("%w: %v", ErrOutOfOrder, err)
		}
		key, err := envelope.ParsePublicKeyPEM([]byte(data.PublicKey))
		if err != nil {
			return Claim{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
		}
		return Claim{Principal: identity.Node(data.DaemonUUID), DeclaredKey: key}, nil
	default:
		return Claim{}, fmt.Errorf("%w: endpoint %s cannot authenticate", ErrOutOfOrder, from)
	}
}

// Challenge is what the relay must send, sealed to Recipient.
type Challenge struct {
	Value     string
	Recipient *rsa.PublicKey
}

type invalidator interface {
	Invalidate(identity.Principal)
}

// Machine is the handshake state of one connection. It is not safe for
// concurrent use; the owning session drives it from a single goroutine.
type Machine struct {
	connID   string
	endpoint packet.Endpoint
	store    identity.Store
	ledger   *Ledger

	state     State
	principal identity.Principal
	recipient *rsa.PublicKey
	challenge string
}

func New(connID string, endpoint packet.Endpoint, store identity.Store, ledger *Ledger) *Machine {
	return &Machine{connID: connID, endpoint: endpoint, store: store, ledger: ledger}
}

func (m *Machine) State() State { return m.state }

// Principal returns the bound principal once Authenticated.
func (m *Machine) Principal() (identity.Principal, bool) {
	return m.principal, m.state == Authenticated
}

// Recipient is the resolved key of the claimed principal, or nil before Begin
// resolved one. Failure notices are sealed to it.
func (m *Machine) Recipient() *rsa.PublicKey { return m.recipient }

func (m *Machine) fail(err error) error {
	m.state = Failed
	m.ledger.Revoke(m.challenge)
	m.challenge = ""
	return err
}

// Begin handles the auth packet and issues a challenge.
func (m *Machine) Begin(ctx context.Context, p packet.Packet) (Challenge, error) {
	if m.state != AwaitingAuth {
		return Challenge{}, m.fail(fmt.Errorf("%w: auth in state %s", ErrOutOfOrder, m.state))
	}
	claim, err := ParseClaim(p, m.endpoint)
	if err != nil {
		return Challenge{}, m.fail(err)
	}

	key, err := m.store.PublicKeyOf(ctx, claim.Principal)
	if errors.Is(err, identity.ErrUnknownPrincipal) {
		return Challenge{}, m.fail(fmt.Errorf("%w: %s is not registered", ErrAuthFailure, claim.Principal))
	}
	if err != nil {
		return Challenge{}, m.fail(fmt.Errorf("resolve key of %s: %w", claim.Principal, err))
	}

	if claim.DeclaredKey != nil && !envelope.PublicKeysEqual(claim.DeclaredKey, key) {
		// The key on record may have been rotated since it was cached.
		if inv, ok := m.store.(invalidator); ok {
			inv.Invalidate(claim.Principal)
			key, err = m.store.PublicKeyOf(ctx, claim.Principal)
			if err != nil {
				return Challenge{}, m.fail(fmt.Errorf("%w: %v", ErrAuthFailure, err))
			}
		}
		if !envelope.PublicKeysEqual(claim.DeclaredKey, key) {
			return Challenge{}, m.fail(fmt.Errorf("%w: declared key of %s does not match", ErrAuthFailure, claim.Principal))
		}
	}

	value, _, err := m.ledger.Issue(m.connID)
	if err != nil {
		return Challenge{}, m.fail(err)
	}
	m.principal = claim.Principal
	m.recipient = key
	m.challenge = value
	m.state = ChallengeSent
	return Challenge{Value: value, Recipient: key}, nil
}

// Complete checks the echoed challenge and binds the principal.
func (m *Machine) Complete(p packet.Packet) (identity.Principal, error) {
	if m.state != ChallengeSent {
		return identity.Principal{}, m.fail(fmt.Errorf("%w: response in state %s", ErrOutOfOrder, m.state))
	}
	var data packet.HandshakeResponseData
	if err := p.Decode(packet.HandshakeResponseID(m.endpoint), &data); err != nil {
		return identity.Principal{}, m.fail(fmt.Errorf("%w: %v", ErrOutOfOrder, err))
	}
	if subtle.ConstantTimeCompare([]byte(data.Challenge), []byte(m.challenge)) != 1 {
		return identity.Principal{}, m.fail(fmt.Errorf("%w: challenge mismatch", ErrAuthFailure))
	}
	value := m.challenge
	m.challenge = ""
	if !m.ledger.Redeem(m.connID, value) {
		return identity.Principal{}, m.fail(fmt.Errorf("%w: challenge expired or already used", ErrAuthFailure))
	}
	m.state = Authenticated
	return m.principal, nil
}

// Abort fails the handshake and revokes any outstanding challenge.
func (m *Machine) Abort() {
	if m.state == Authenticated {
		return
	}
	_ = m.fail(nil)
}
