package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
)

// AEAD cipher names.
const (
	NameAES128GCM = "aes-128-gcm"
	NameAES192GCM = "aes-192-gcm"
	NameAES256GCM = "aes-256-gcm"
)

const (
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12

	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
)

type aeadSpec struct {
	keySize  int
	saltSize int
}

var aeadSpecs = map[string]aeadSpec{
	NameAES128GCM: {16, 16},
	NameAES192GCM: {24, 24},
	NameAES256GCM: {32, 32},
}

// aeadCipher derives a subkey per salt with HKDF-SHA1 and seals each message under a
// little-endian counter nonce. Each message carries its tag appended.
type aeadCipher struct {
	name string
	spec aeadSpec
	key  []byte
}

func newAEADFactory(spec aeadSpec) factory {
	return func(name, password string, _ *KeyStore) (Cipher, error) {
		return &aeadCipher{
			name: name,
			spec: spec,
			key:  EVPBytesToKey([]byte(password), nil, spec.keySize),
		}, nil
	}
}

func (c *aeadCipher) Name() string  { return c.name }
func (c *aeadCipher) Kind() Kind    { return KindAEAD }
func (c *aeadCipher) SaltSize() int { return c.spec.saltSize }
func (c *aeadCipher) Overhead() int { return TagSize }

func (c *aeadCipher) newAEAD(salt []byte) (cipher.AEAD, error) {
	if err := checkSalt(salt, c.spec.saltSize); err != nil {
		return nil, err
	}

	subkey, err := hkdfSHA1(c.key, salt, subkeyInfo, c.spec.keySize)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(subkey)

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCMWithTagSize(block, TagSize)
}

func (c *aeadCipher) NewEncrypter(salt []byte) (Encrypter, error) {
	if salt == nil {
		var err error
		if salt, err = randomSalt(c.spec.saltSize); err != nil {
			return nil, err
		}
	}

	aead, err := c.newAEAD(salt)
	if err != nil {
		return nil, err
	}
	return &aeadCrypter{salt: append([]byte(nil), salt...), aead: aead}, nil
}

func (c *aeadCipher) NewDecrypter(salt []byte) (Decrypter, error) {
	aead, err := c.newAEAD(salt)
	if err != nil {
		return nil, err
	}
	return &aeadCrypter{salt: append([]byte(nil), salt...), aead: aead}, nil
}

// aeadCrypter holds the nonce counter of one direction. The counter advances once per
// call, starting at zero.
type aeadCrypter struct {
	mu      sync.Mutex
	salt    []byte
	aead    cipher.AEAD
	counter uint64
	failed  bool
}

func (a *aeadCrypter) Salt() []byte { return a.salt }

func (a *aeadCrypter) nextNonce() [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], a.counter)
	a.counter++
	return nonce
}

// Encrypt returns ciphertext || tag.
func (a *aeadCrypter) Encrypt(plaintext []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nonce := a.nextNonce()
	return a.aead.Seal(make([]byte, 0, len(plaintext)+TagSize), nonce[:], plaintext, nil), nil
}

// Decrypt verifies and opens ciphertext || tag. After the first verification failure
// every call fails.
func (a *aeadCrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failed {
		return nil, ErrAuthenticationTagInvalid
	}
	if len(ciphertext) < TagSize {
		a.failed = true
		return nil, fmt.Errorf("%w: message of %d bytes", ErrAuthenticationTagInvalid, len(ciphertext))
	}

	nonce := a.nextNonce()
	plaintext, err := a.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		a.failed = true
		return nil, ErrAuthenticationTagInvalid
	}
	return plaintext, nil
}
