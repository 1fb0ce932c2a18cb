package agent

import (
	"crypto/rsa"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/aesterisk/aesterisk/internal/envelope"
)

// EnsureKey loads the daemon private key at path, generating a new key pair
// of the given size next to it on first start. created reports whether a key
// was generated.
func EnsureKey(path string, bits int) (key *rsa.PrivateKey, created bool, err error) {
	key, err = envelope.LoadPrivateKey(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	dir, file := filepath.Split(path)
	name := strings.TrimSuffix(file, ".pem")
	privPath, _, err := envelope.WriteKeyPair(filepath.Clean(dir), name, bits)
	if err != nil {
		return nil, false, err
	}
	key, err = envelope.LoadPrivateKey(privPath)
	return key, true, err
}
