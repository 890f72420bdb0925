// Package secrets implements the agent's Secret Box: scoped encryption of
// device credential blobs behind an opaque seal/open capability.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/RohithBalasubramani/plc-logger/infrastructure/runtime"
)

// ErrInvalidCiphertext indicates a sealed blob could not be opened under the
// key it is presented with (wrong scope, corruption, or tampering).
var ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")

// devMasterSecret lets a fresh checkout run without extra setup; real
// deployments must set PLCLOGGER_SECRET_KEY.
const devMasterSecret = "plc-logger-development-only-master-key"

const nonceSize = 24

// Box is the Secret Box capability: seal/open over opaque byte blobs, scoped
// by deployment mode (user vs machine, resolved via runtime.SecretScopeMode).
//
// A Box instance is bound to one scope at construction time; the rekey pass
// (Rekey) is the only place two Box instances of different scope interact.
type Box struct {
	scope runtime.SecretScope
	key   [32]byte
}

// New derives a Box for the given scope from a master secret. The master
// secret is never stored; scope only salts the derived key so that user-scope
// and machine-scope ciphertexts are never interchangeable.
func New(scope runtime.SecretScope, masterSecret []byte) *Box {
	return &Box{scope: scope, key: deriveKey(scope, masterSecret)}
}

// NewFromEnv builds a Box for the process's configured scope, reading the
// master secret from PLCLOGGER_SECRET_KEY (falling back to a fixed
// development value so a fresh checkout runs without extra setup).
func NewFromEnv() *Box {
	scope := runtime.SecretScopeMode()
	master := masterSecretFromEnv()
	return New(scope, master)
}

func masterSecretFromEnv() []byte {
	if v := strings.TrimSpace(os.Getenv("PLCLOGGER_SECRET_KEY")); v != "" {
		return []byte(v)
	}
	return []byte(devMasterSecret)
}

func deriveKey(scope runtime.SecretScope, masterSecret []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte("plc-logger-secret-box:v1:"))
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(masterSecret)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Scope returns the scope this Box was constructed with.
func (b *Box) Scope() runtime.SecretScope { return b.scope }

// Seal encrypts plaintext into an opaque ciphertext blob. The blob embeds a
// fresh random nonce and is safe to store at rest.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 0, nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, &b.key)
	return out, nil
}

// Open decrypts a ciphertext blob previously produced by Seal under this
// Box's scope and key. Returns ErrInvalidCiphertext on any failure — the
// caller cannot distinguish "wrong scope" from "corrupted" from "tampered".
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// Rekey opens ciphertext under src's scope/key and reseals it under dst's.
// Used by the startup rekey pass (spec.md §4.2) to migrate stored device
// secrets between user and machine scope; best-effort at the call site —
// Rekey itself still reports failure so the caller can decide to skip it.
func Rekey(src, dst *Box, ciphertext []byte) ([]byte, error) {
	plaintext, err := src.Open(ciphertext)
	if err != nil {
		return nil, err
	}
	return dst.Seal(plaintext)
}
