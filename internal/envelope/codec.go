package envelope

import (
	"crypto/rsa"
	"errors"
	"sync/atomic"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// Keyring holds this process's private key and allows it to be swapped
// while sessions are running.
type Keyring struct {
	path string
	key  atomic.Pointer[rsa.PrivateKey]
}

func NewKeyring(key *rsa.PrivateKey) *Keyring {
	k := &Keyring{}
	k.key.Store(key)
	return k
}

// LoadKeyring reads the private key at path. Reload re-reads the same path.
func LoadKeyring(path string) (*Keyring, error) {
	key, err := LoadPrivateKey(path)
	if err != nil {
		return nil, err
	}
	k := NewKeyring(key)
	k.path = path
	return k, nil
}

func (k *Keyring) Path() string { return k.path }

func (k *Keyring) Private() *rsa.PrivateKey { return k.key.Load() }

func (k *Keyring) Public() *rsa.PublicKey {
	priv := k.key.Load()
	if priv == nil {
		return nil
	}
	return &priv.PublicKey
}

// Reload re-reads the key file. On error the current key stays in place.
func (k *Keyring) Reload() error {
	if k.path == "" {
		return errors.New("keyring has no backing file")
	}
	key, err := LoadPrivateKey(k.path)
	if err != nil {
		return err
	}
	k.key.Store(key)
	return nil
}

// Codec binds the key material and validation rules of one endpoint.
type Codec struct {
	keys   *Keyring
	issuer string
	opts   OpenOptions
}

// NewCodec returns a codec that stamps outgoing tokens with issuer and
// accepts incoming tokens according to opts.
func NewCodec(keys *Keyring, issuer string, opts OpenOptions) *Codec {
	return &Codec{keys: keys, issuer: issuer, opts: opts.withDefaults()}
}

func (c *Codec) Seal(p packet.Packet, recipient *rsa.PublicKey) (string, error) {
	return Seal(p, recipient, c.issuer, c.opts.Now(), c.opts.MaxAge)
}

// SealPayload builds a packet from payload and seals it.
func (c *Codec) SealPayload(id packet.ID, payload any, recipient *rsa.PublicKey) (string, error) {
	p, err := packet.New(id, payload)
	if err != nil {
		return "", err
	}
	return c.Seal(p, recipient)
}

func (c *Codec) Open(token string) (Envelope, error) {
	return Open(token, c.keys.Private(), c.opts)
}
