package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// NameRSA is the RSA obfuscating cipher.
const NameRSA = "rsa"

// pkcs1Overhead is the PKCS#1 v1.5 padding reserved in every block.
const pkcs1Overhead = 11

// ErrNoPrivateKey is returned when decrypting with a key file that only holds a public key.
var ErrNoPrivateKey = errors.New("rsa: private key required to decrypt")

// RSAKey is key material loaded from a PEM file. Private is nil when the file holds
// only a public key.
type RSAKey struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// ParseRSAKey parses the first PEM block of data. PKCS#1 and PKCS#8 private keys and
// PKIX and PKCS#1 public keys are accepted.
func ParseRSAKey(data []byte) (*RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("rsa: no PEM block found")
	}

	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSAKey{Public: &k.PublicKey, Private: k}, nil
	}
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("rsa: PKCS#8 key is %T, not RSA", k)
		}
		return &RSAKey{Public: &priv.PublicKey, Private: priv}, nil
	}
	if k, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("rsa: public key is %T, not RSA", k)
		}
		return &RSAKey{Public: pub}, nil
	}
	if k, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return &RSAKey{Public: k}, nil
	}
	return nil, fmt.Errorf("rsa: unsupported PEM block %q", block.Type)
}

// Encrypt encrypts plaintext in blocks of at most k-11 bytes, k being the modulus size.
func (k *RSAKey) Encrypt(plaintext []byte) ([]byte, error) {
	size := k.Public.Size()
	chunk := size - pkcs1Overhead

	var out bytes.Buffer
	out.Grow((len(plaintext)/chunk + 1) * size)
	for len(plaintext) > 0 {
		n := min(chunk, len(plaintext))
		ct, err := rsa.EncryptPKCS1v15(rand.Reader, k.Public, plaintext[:n])
		if err != nil {
			return nil, fmt.Errorf("rsa encrypt: %w", err)
		}
		out.Write(ct)
		plaintext = plaintext[n:]
	}
	return out.Bytes(), nil
}

// Decrypt reverses Encrypt. ciphertext must be a whole number of modulus-sized blocks.
func (k *RSAKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if k.Private == nil {
		return nil, ErrNoPrivateKey
	}
	size := k.Private.Size()
	if len(ciphertext)%size != 0 {
		return nil, fmt.Errorf("rsa decrypt: %d bytes is not a multiple of %d", len(ciphertext), size)
	}

	var out bytes.Buffer
	for i := 0; i < len(ciphertext); i += size {
		pt, err := rsa.DecryptPKCS1v15(nil, k.Private, ciphertext[i:i+size])
		if err != nil {
			return nil, fmt.Errorf("rsa decrypt: %w", err)
		}
		out.Write(pt)
	}
	return out.Bytes(), nil
}

// rsaCipher resolves its key through the KeyStore using the salt as the PEM path.
type rsaCipher struct {
	ks *KeyStore
}

func newRSACipher(_, _ string, ks *KeyStore) (Cipher, error) {
	if ks == nil {
		return nil, errors.New("rsa cipher requires a key store")
	}
	return &rsaCipher{ks: ks}, nil
}

func (c *rsaCipher) Name() string  { return NameRSA }
func (c *rsaCipher) Kind() Kind    { return KindRSA }
func (c *rsaCipher) SaltSize() int { return 0 }
func (c *rsaCipher) Overhead() int { return 0 }

func (c *rsaCipher) NewEncrypter(path []byte) (Encrypter, error) {
	key, err := c.ks.RSA(string(path))
	if err != nil {
		return nil, err
	}
	return &rsaCrypter{path: path, key: key}, nil
}

func (c *rsaCipher) NewDecrypter(path []byte) (Decrypter, error) {
	key, err := c.ks.RSA(string(path))
	if err != nil {
		return nil, err
	}
	if key.Private == nil {
		return nil, ErrNoPrivateKey
	}
	return &rsaCrypter{path: path, key: key}, nil
}

type rsaCrypter struct {
	path []byte
	key  *RSAKey
}

func (r *rsaCrypter) Salt() []byte                     { return r.path }
func (r *rsaCrypter) Encrypt(p []byte) ([]byte, error) { return r.key.Encrypt(p) }
func (r *rsaCrypter) Decrypt(c []byte) ([]byte, error) { return r.key.Decrypt(c) }

// GenerateRSAKey creates a private key and returns it PEM-encoded as PKCS#1.
func GenerateRSAKey(bits int) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), nil
}
