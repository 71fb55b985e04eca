// Package crypto provides the cipher suite used by the shadow protocol: stream ciphers
// (AES-CFB, ChaCha20, Salsa20, RC4), AEAD ciphers (AES-GCM) and the RSA and table
// obfuscating ciphers whose key material lives in files.
//
// Every cipher hands out per-direction Encrypter and Decrypter instances. An instance
// owns its keystream position or nonce counter, so messages must be decrypted in the
// order they were encrypted.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Kind groups ciphers by how they are keyed.
type Kind int

const (
	// KindStream ciphers derive their key from the password and take an IV as salt.
	KindStream Kind = iota
	// KindAEAD ciphers derive a per-salt subkey and use a counter nonce.
	KindAEAD
	// KindRSA uses PKCS#1 v1.5 with a key loaded from a PEM file.
	KindRSA
	// KindTable substitutes bytes through a permutation loaded from a JSON file.
	KindTable
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindAEAD:
		return "aead"
	case KindRSA:
		return "rsa"
	case KindTable:
		return "table"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FileKeyed reports whether the cipher's salt field names a key file instead of
// carrying salt bytes.
func (k Kind) FileKeyed() bool {
	return k == KindRSA || k == KindTable
}

var (
	// ErrUnknownCipher is returned by New for names not in the registry.
	ErrUnknownCipher = errors.New("unknown cipher")

	// ErrAuthenticationTagInvalid is returned when an AEAD tag fails to verify.
	// The decrypter that returned it refuses all further input.
	ErrAuthenticationTagInvalid = errors.New("authentication tag invalid")

	// ErrInvalidSalt is returned when a salt or IV has the wrong length.
	ErrInvalidSalt = errors.New("invalid salt")
)

// Encrypter encrypts successive messages of one direction.
type Encrypter interface {
	// Salt returns the salt or IV the encrypter was created with.
	Salt() []byte
	Encrypt(plaintext []byte) ([]byte, error)
}

// Decrypter decrypts successive messages of one direction.
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Cipher creates encrypters and decrypters for one algorithm and master key.
type Cipher interface {
	Name() string
	Kind() Kind

	// SaltSize is the salt (AEAD) or IV (stream) length. File-keyed ciphers and RC4
	// report 0.
	SaltSize() int

	// Overhead is the number of bytes Encrypt adds to each message.
	Overhead() int

	// NewEncrypter creates an encrypter. A nil salt is replaced with a random one;
	// file-keyed ciphers take the key file path as salt.
	NewEncrypter(salt []byte) (Encrypter, error)

	// NewDecrypter creates a decrypter for messages produced by an encrypter with the
	// same salt.
	NewDecrypter(salt []byte) (Decrypter, error)
}

type factory func(name, password string, ks *KeyStore) (Cipher, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]factory{}
)

func register(name string, f factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

func init() {
	for name, spec := range streamSpecs {
		register(name, newStreamFactory(spec))
	}
	for name, spec := range aeadSpecs {
		register(name, newAEADFactory(spec))
	}
	register(NameRSA, newRSACipher)
	register(NameTable, newTableCipher)
}

// New returns the cipher registered under name. Names are case-insensitive. ks is
// required for file-keyed ciphers and ignored otherwise.
func New(name, password string, ks *KeyStore) (Cipher, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCipher, name)
	}
	return f(strings.ToLower(name), password, ks)
}

// Names returns the registered cipher names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// KindOf returns the kind of a registered cipher without constructing it.
func KindOf(name string) (Kind, error) {
	name = strings.ToLower(name)
	if _, ok := streamSpecs[name]; ok {
		return KindStream, nil
	}
	if _, ok := aeadSpecs[name]; ok {
		return KindAEAD, nil
	}
	switch name {
	case NameRSA:
		return KindRSA, nil
	case NameTable:
		return KindTable, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCipher, name)
}

func randomSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func checkSalt(salt []byte, size int) error {
	if len(salt) != size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSalt, len(salt), size)
	}
	return nil
}

// ZeroBytes zeroes out a byte slice to prevent key material from lingering in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
