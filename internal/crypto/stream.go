package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rc4"
	"sync"

	"github.com/aead/chacha20"
)

// Stream cipher names.
const (
	NameAES128CFB = "aes-128-cfb"
	NameAES192CFB = "aes-192-cfb"
	NameAES256CFB = "aes-256-cfb"
	NameChaCha20  = "chacha20"
	NameSalsa20   = "salsa20"
	NameRC4       = "rc4"
)

type streamSpec struct {
	keySize int
	ivSize  int
	encrypt func(key, iv []byte) (cipher.Stream, error)
	decrypt func(key, iv []byte) (cipher.Stream, error)
}

var streamSpecs = map[string]streamSpec{
	NameAES128CFB: {16, aes.BlockSize, newCFBEncrypter, newCFBDecrypter},
	NameAES192CFB: {24, aes.BlockSize, newCFBEncrypter, newCFBDecrypter},
	NameAES256CFB: {32, aes.BlockSize, newCFBEncrypter, newCFBDecrypter},
	NameChaCha20:  {32, 8, newChaCha20, newChaCha20},
	NameSalsa20:   {32, 8, newSalsa20, newSalsa20},
	NameRC4:       {16, 0, newRC4, newRC4},
}

func newCFBEncrypter(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCFBEncrypter(block, iv), nil
}

func newCFBDecrypter(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

func newChaCha20(key, iv []byte) (cipher.Stream, error) {
	c, err := chacha20.NewCipher(iv, key)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newRC4(key, _ []byte) (cipher.Stream, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// streamCipher is a password-keyed stream cipher. Ciphertext has the same length as
// the plaintext.
type streamCipher struct {
	name string
	spec streamSpec
	key  []byte
}

func newStreamFactory(spec streamSpec) factory {
	return func(name, password string, _ *KeyStore) (Cipher, error) {
		return &streamCipher{
			name: name,
			spec: spec,
			key:  EVPBytesToKey([]byte(password), nil, spec.keySize),
		}, nil
	}
}

func (c *streamCipher) Name() string  { return c.name }
func (c *streamCipher) Kind() Kind    { return KindStream }
func (c *streamCipher) SaltSize() int { return c.spec.ivSize }
func (c *streamCipher) Overhead() int { return 0 }

func (c *streamCipher) NewEncrypter(iv []byte) (Encrypter, error) {
	if iv == nil {
		var err error
		if iv, err = randomSalt(c.spec.ivSize); err != nil {
			return nil, err
		}
	} else if c.spec.ivSize > 0 {
		if err := checkSalt(iv, c.spec.ivSize); err != nil {
			return nil, err
		}
	}

	s, err := c.spec.encrypt(c.key, iv)
	if err != nil {
		return nil, err
	}
	return &streamCrypter{iv: append([]byte(nil), iv...), stream: s}, nil
}

func (c *streamCipher) NewDecrypter(iv []byte) (Decrypter, error) {
	if c.spec.ivSize > 0 {
		if err := checkSalt(iv, c.spec.ivSize); err != nil {
			return nil, err
		}
	}

	s, err := c.spec.decrypt(c.key, iv)
	if err != nil {
		return nil, err
	}
	return &streamCrypter{iv: append([]byte(nil), iv...), stream: s}, nil
}

// streamCrypter advances one keystream across successive messages.
type streamCrypter struct {
	mu     sync.Mutex
	iv     []byte
	stream cipher.Stream
}

func (s *streamCrypter) Salt() []byte { return s.iv }

func (s *streamCrypter) Encrypt(plaintext []byte) ([]byte, error) {
	return s.xor(plaintext), nil
}

func (s *streamCrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	return s.xor(ciphertext), nil
}

func (s *streamCrypter) xor(in []byte) []byte {
	out := make([]byte, len(in))
	s.mu.Lock()
	s.stream.XORKeyStream(out, in)
	s.mu.Unlock()
	return out
}
