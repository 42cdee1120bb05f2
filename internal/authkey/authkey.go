// Package authkey handles the opaque authentication secret that signs root
// pointers and epoch transitions.
//
// The secret is never used directly. Each consumer derives its own MAC key
// with HKDF-SHA256 under a purpose label, so a MAC computed for one record
// type can never be replayed as another.
package authkey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinSecretBytes is the shortest secret accepted.
const MinSecretBytes = 16

const generatedSecretBytes = 32

// Purpose labels for derived keys.
const (
	PurposeRootPointer     = "root-pointer"
	PurposeEpochTransition = "epoch-transition"
)

// ErrSecretTooShort is returned for secrets under MinSecretBytes.
var ErrSecretTooShort = fmt.Errorf("authentication secret must be at least %d bytes", MinSecretBytes)

// Secret is an opaque authentication secret.
type Secret []byte

// FromHex decodes a hex-encoded secret.
func FromHex(s string) (Secret, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	if len(raw) < MinSecretBytes {
		return nil, ErrSecretTooShort
	}
	return Secret(raw), nil
}

// LoadFile reads a hex-encoded secret from path.
func LoadFile(path string) (Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return FromHex(string(data))
}

// LoadOrCreate loads the secret at path, generating and persisting a new
// random one (mode 0600) if the file does not exist.
func LoadOrCreate(path string) (Secret, error) {
	s, err := LoadFile(path)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	raw := make([]byte, generatedSecretBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write secret: %w", err)
	}
	return Secret(raw), nil
}

// Derive returns the 32-byte key for purpose.
func (s Secret) Derive(purpose string) []byte {
	r := hkdf.New(sha256.New, s, nil, []byte("nexusledger:"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes; 32 never fails.
		panic(fmt.Sprintf("authkey: hkdf: %v", err))
	}
	return key
}

// MAC returns the hex HMAC-SHA256 of msg under the key derived for purpose.
func (s Secret) MAC(purpose string, msg []byte) string {
	m := hmac.New(sha256.New, s.Derive(purpose))
	m.Write(msg)
	return hex.EncodeToString(m.Sum(nil))
}

// Verify reports whether macHex authenticates msg. The comparison is
// constant time.
func (s Secret) Verify(purpose string, msg []byte, macHex string) bool {
	got, err := hex.DecodeString(macHex)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, s.Derive(purpose))
	m.Write(msg)
	return hmac.Equal(got, m.Sum(nil))
}

// Fingerprint is a short, non-secret identifier safe to log.
func (s Secret) Fingerprint() string {
	return s.MAC("fingerprint", nil)[:16]
}
