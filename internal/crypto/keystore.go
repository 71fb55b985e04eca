package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KeyStore loads RSA and table key material from disk once per path and shares it
// between all sessions. It is safe for concurrent use.
type KeyStore struct {
	baseDir string

	mu     sync.Mutex
	rsa    map[string]*RSAKey
	tables map[string]*Table
}

// NewKeyStore creates a key store resolving relative paths against baseDir.
func NewKeyStore(baseDir string) *KeyStore {
	return &KeyStore{
		baseDir: baseDir,
		rsa:     make(map[string]*RSAKey),
		tables:  make(map[string]*Table),
	}
}

func (ks *KeyStore) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty key file path")
	}
	if filepath.IsAbs(path) || ks.baseDir == "" {
		return path, nil
	}
	return filepath.Join(ks.baseDir, path), nil
}

// RSA returns the RSA key stored at path.
func (ks *KeyStore) RSA(path string) (*RSAKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if k, ok := ks.rsa[path]; ok {
		return k, nil
	}

	full, err := ks.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read rsa key: %w", err)
	}
	k, err := ParseRSAKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", full, err)
	}
	ks.rsa[path] = k
	return k, nil
}

// Table returns the substitution table stored at path.
func (ks *KeyStore) Table(path string) (*Table, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if t, ok := ks.tables[path]; ok {
		return t, nil
	}

	full, err := ks.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", full, err)
	}
	ks.tables[path] = t
	return t, nil
}

// ParseSalt decodes a salt stored as base64 of its hex encoding.
func ParseSalt(s string) ([]byte, error) {
	h, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidSalt, err)
	}
	b, err := hex.DecodeString(string(h))
	if err != nil {
		return nil, fmt.Errorf("%w: hex: %v", ErrInvalidSalt, err)
	}
	return b, nil
}

// EncodeSalt is the inverse of ParseSalt.
func EncodeSalt(b []byte) string {
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(b)))
}

// GenerateSalt returns n random bytes encoded for configuration.
func GenerateSalt(n int) (string, error) {
	b, err := randomSalt(n)
	if err != nil {
		return "", err
	}
	return EncodeSalt(b), nil
}
