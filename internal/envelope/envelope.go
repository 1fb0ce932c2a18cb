// Package envelope seals packets into encrypted, signed-by-possession tokens
// and opens them again. A token is a compact JWE (RSA-OAEP key wrapping,
// A256GCM content encryption) whose plaintext is a JWT claim set carrying the
// packet in the "p" claim.
package envelope

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// Issuers stamped into the iss claim.
const (
	IssuerRelay     = "aesterisk/server"
	IssuerDashboard = "aesterisk/web"
	IssuerDaemon    = "aesterisk/daemon"
)

const (
	DefaultMaxAge = 60 * time.Second
	// DefaultLeeway absorbs clock skew between peers.
	DefaultLeeway = 5 * time.Second
)

// Envelope is an opened token.
type Envelope struct {
	Version  packet.Version
	PacketID packet.ID
	Payload  json.RawMessage
	Issuer   string
	IssuedAt time.Time
}

// Packet reassembles the packet carried by e.
func (e Envelope) Packet() packet.Packet {
	return packet.Packet{Version: e.Version, ID: e.PacketID, Data: e.Payload}
}

// DecodeError is returned for every token that cannot be opened. Its message
// never varies with the cause so peers learn nothing from it; Unwrap exposes
// the cause for local logging.
type DecodeError struct {
	Stage string
	err   error
}

func (e *DecodeError) Error() string { return "envelope: undecodable token" }

func (e *DecodeError) Unwrap() error { return e.err }

// Cause describes why decoding failed. For local logs only.
func (e *DecodeError) Cause() string {
	if e.err == nil {
		return e.Stage
	}
	return e.Stage + ": " + e.err.Error()
}

func decodeErr(stage string, err error) error {
	return &DecodeError{Stage: stage, err: err}
}

var (
	errNoIssuedAt    = errors.New("missing iat")
	errTooOld        = errors.New("iat older than max age")
	errWrongIssuer   = errors.New("issuer not accepted")
	errMissingPacket = errors.New("missing packet claim")
)

type claims struct {
	jwt.Claims
	P json.RawMessage `json:"p"`
}

// OpenOptions controls token validation.
type OpenOptions struct {
	// Issuers lists accepted iss values. Empty accepts any issuer.
	Issuers []string
	MaxAge  time.Duration
	Leeway  time.Duration
	Now     func() time.Time
}

func (o OpenOptions) withDefaults() OpenOptions {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Leeway < 0 {
		o.Leeway = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Seal encrypts p for the holder of recipient's private key.
func Seal(p packet.Packet, recipient *rsa.PublicKey, issuer string, now time.Time, maxAge time.Duration) (string, error) {
	if recipient == nil {
		return "", errors.New("envelope: nil recipient key")
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal packet: %w", err)
	}
	c := claims{
		Claims: jwt.Claims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(maxAge)),
			ID:       uuid.NewString(),
		},
		P: body,
	}
	plaintext, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP, Key: recipient},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create encrypter: %w", err)
	}
	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return token, nil
}

// Open decrypts token with priv and validates its claims and payload.
// Every failure is a *DecodeError.
func Open(token string, priv *rsa.PrivateKey, opts OpenOptions) (Envelope, error) {
	opts = opts.withDefaults()
	if priv == nil {
		return Envelope{}, decodeErr("key", errors.New("no private key loaded"))
	}

	obj, err := jose.ParseEncryptedCompact(token,
		[]jose.KeyAlgorithm{jose.RSA_OAEP},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return Envelope{}, decodeErr("parse", err)
	}
	plaintext, err := obj.Decrypt(priv)
	if err != nil {
		return Envelope{}, decodeErr("decrypt", err)
	}

	var c claims
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return Envelope{}, decodeErr("claims", err)
	}

	now := opts.Now()
	if err := c.Claims.ValidateWithLeeway(jwt.Expected{Time: now}, opts.Leeway); err != nil {
		return Envelope{}, decodeErr("claims", err)
	}
	if c.IssuedAt == nil {
		return Envelope{}, decodeErr("claims", errNoIssuedAt)
	}
	if c.IssuedAt.Time().Before(now.Add(-opts.MaxAge - opts.Leeway)) {
		return Envelope{}, decodeErr("claims", errTooOld)
	}
	if len(opts.Issuers) > 0 && !slices.Contains(opts.Issuers, c.Issuer) {
		return Envelope{}, decodeErr("claims", fmt.Errorf("%w: %q", errWrongIssuer, c.Issuer))
	}
	if len(c.P) == 0 {
		return Envelope{}, decodeErr("packet", errMissingPacket)
	}

	var p packet.Packet
	if err := json.Unmarshal(c.P, &p); err != nil {
		return Envelope{}, decodeErr("packet", err)
	}
	if err := packet.Validate(p); err != nil {
		return Envelope{}, decodeErr("packet", err)
	}

	return Envelope{
		Version:  p.Version,
		PacketID: p.ID,
		Payload:  p.Data,
		Issuer:   c.Issuer,
		IssuedAt: c.IssuedAt.Time(),
	}, nil
}
