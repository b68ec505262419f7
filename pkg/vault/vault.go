// Package vault keeps secret values of project configuration encrypted.
//
// Secrets are sealed with an anonymous NaCl box (X25519, XSalsa20-Poly1305)
// to the public key of the running service. Anyone holding the public key can
// produce a Secret; only the process holding the private key can open it.
package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrDecryptionFailed is returned for tampered or malformed ciphertext and
	// for ciphertext sealed to another key. It never carries secret material.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrInvalidKey is returned when key material cannot be parsed.
	ErrInvalidKey = errors.New("invalid key")
	// ErrClosed is returned by a vault whose key material has been zeroed.
	ErrClosed = errors.New("vault closed")
)

// KeySize is the size in bytes of public and private keys.
const KeySize = 32

// secretPrefix tags the ciphertext encoding version.
const secretPrefix = "v1:"

// Secret is sealed ciphertext as stored in configuration.
type Secret string

// Valid reports whether s has the shape of a sealed secret. It does not decrypt.
func (s Secret) Valid() bool {
	raw, err := s.decode()
	return err == nil && len(raw) > box.AnonymousOverhead
}

func (s Secret) decode() ([]byte, error) {
	body, ok := strings.CutPrefix(string(s), secretPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: unknown secret encoding", ErrDecryptionFailed)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: secret is not base64", ErrDecryptionFailed)
	}
	return raw, nil
}

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// String returns the base64 form shared with configuration authors.
func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ParsePublicKey decodes a base64 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != KeySize {
		return k, fmt.Errorf("%w: public key must be %d base64 encoded bytes", ErrInvalidKey, KeySize)
	}
	copy(k[:], raw)
	return k, nil
}

// KeyPair holds a private key and its public key.
type KeyPair struct {
	Public  PublicKey
	private [KeySize]byte
}

// GenerateKey creates a fresh key pair from crypto/rand.
func GenerateKey() (*KeyPair, error) {
	return generateKey(rand.Reader)
}

func generateKey(r io.Reader) (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	kp := &KeyPair{Public: PublicKey(*pub), private: *priv}
	zero(priv[:])
	return kp, nil
}

// ParsePrivateKey decodes a base64 private key and derives its public key.
func ParsePrivateKey(s string) (*KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	defer zero(raw)
	if err != nil || len(raw) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d base64 encoded bytes", ErrInvalidKey, KeySize)
	}
	kp := &KeyPair{}
	copy(kp.private[:], raw)
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		kp.zero()
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// EncodePrivate returns the base64 private key, the content of a key file.
func (kp *KeyPair) EncodePrivate() string {
	return base64.StdEncoding.EncodeToString(kp.private[:])
}

// WriteFile stores the private key at path with owner-only permissions.
// An existing file is never overwritten.
func (kp *KeyPair) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if _, err := io.WriteString(f, kp.EncodePrivate()+"\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

func (kp *KeyPair) zero() { zero(kp.private[:]) }

// String redacts the private half.
func (kp *KeyPair) String() string { return "KeyPair{public: " + kp.Public.String() + ", private: [redacted]}" }

// GoString redacts the private half in %#v.
func (kp *KeyPair) GoString() string { return kp.String() }

// Encrypt seals plaintext to the given public key.
func Encrypt(plaintext string, to PublicKey) (Secret, error) {
	return encrypt(rand.Reader, plaintext, to)
}

func encrypt(r io.Reader, plaintext string, to PublicKey) (Secret, error) {
	pub := [KeySize]byte(to)
	sealed, err := box.SealAnonymous(nil, []byte(plaintext), &pub, r)
	if err != nil {
		return "", fmt.Errorf("seal secret: %w", err)
	}
	return Secret(secretPrefix + base64.StdEncoding.EncodeToString(sealed)), nil
}

// Vault decrypts secrets with a private key loaded once at startup.
// It is safe for concurrent use. Close zeroes the key.
type Vault struct {
	mu     sync.RWMutex
	keys   *KeyPair
	closed bool
}

// New returns a vault owning kp. The caller must not reuse kp.
func New(kp *KeyPair) *Vault {
	return &Vault{keys: kp}
}

// Load reads a private key file written by KeyPair.WriteFile.
func Load(path string) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load key file: %w", err)
	}
	defer zero(raw)
	kp, err := ParsePrivateKey(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, fmt.Errorf("load key file %s: %w", path, err)
	}
	return New(kp), nil
}

// PublicKey returns the key configuration authors encrypt to.
func (v *Vault) PublicKey() PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys.Public
}

// Decrypt opens s. The plaintext is returned to the caller and not retained.
func (v *Vault) Decrypt(s Secret) (string, error) {
	raw, err := s.decode()
	if err != nil {
		return "", err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return "", ErrClosed
	}

	pub := [KeySize]byte(v.keys.Public)
	out, ok := box.OpenAnonymous(nil, raw, &pub, &v.keys.private)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return string(out), nil
}

// Close zeroes the private key. Further Decrypt calls fail with ErrClosed.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.keys.zero()
		v.closed = true
	}
	return nil
}

// String never prints key material.
func (v *Vault) String() string {
	if v == nil {
		return "Vault(nil)"
	}
	return "Vault{public: " + v.PublicKey().String() + "}"
}

// GoString never prints key material.
func (v *Vault) GoString() string { return v.String() }

// MarshalJSON exposes only the public key.
func (v *Vault) MarshalJSON() ([]byte, error) {
	return []byte(`{"public_key":"` + v.PublicKey().String() + `"}`), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
