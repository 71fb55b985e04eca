package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

// NameTable is the byte substitution cipher.
const NameTable = "table"

// Table is a byte permutation and its inverse.
type Table struct {
	encode [256]byte
	decode [256]byte
}

// NewTable validates that perm is a permutation of 0..255.
func NewTable(perm [256]byte) (*Table, error) {
	t := &Table{encode: perm}
	var seen [256]bool
	for i, v := range perm {
		if seen[v] {
			return nil, fmt.Errorf("table: value %d appears more than once", v)
		}
		seen[v] = true
		t.decode[v] = byte(i)
	}
	return t, nil
}

// ParseTable parses table key material: either a JSON object mapping "0".."255" to
// byte values, or a JSON array of 256 byte values.
func ParseTable(data []byte) (*Table, error) {
	var perm [256]byte

	var list []int
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) != 256 {
			return nil, fmt.Errorf("table: %d entries, want 256", len(list))
		}
		for i, v := range list {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("table: entry %d out of range: %d", i, v)
			}
			perm[i] = byte(v)
		}
		return NewTable(perm)
	}

	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	if len(m) != 256 {
		return nil, fmt.Errorf("table: %d entries, want 256", len(m))
	}
	for k, v := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i > 255 {
			return nil, fmt.Errorf("table: invalid index %q", k)
		}
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("table: entry %d out of range: %d", i, v)
		}
		perm[i] = byte(v)
	}
	return NewTable(perm)
}

// MarshalJSON encodes the table as an index-keyed JSON object.
func (t *Table) MarshalJSON() ([]byte, error) {
	m := make(map[string]int, 256)
	for i, v := range t.encode {
		m[strconv.Itoa(i)] = int(v)
	}
	return json.Marshal(m)
}

// Encrypt substitutes every byte through the table.
func (t *Table) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = t.encode[b]
	}
	return out, nil
}

// Decrypt substitutes every byte through the inverse table.
func (t *Table) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		out[i] = t.decode[b]
	}
	return out, nil
}

// GenerateTable returns a random permutation without fixed points.
func GenerateTable() (*Table, error) {
	var perm [256]byte
	for {
		for i := range perm {
			perm[i] = byte(i)
		}
		for i := len(perm) - 1; i > 0; i-- {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
			if err != nil {
				return nil, fmt.Errorf("generate table: %w", err)
			}
			j := n.Int64()
			perm[i], perm[j] = perm[j], perm[i]
		}
		if !hasFixedPoint(perm) {
			return NewTable(perm)
		}
	}
}

func hasFixedPoint(perm [256]byte) bool {
	for i, v := range perm {
		if int(v) == i {
			return true
		}
	}
	return false
}

// tableCipher resolves its table through the KeyStore using the salt as the JSON path.
type tableCipher struct {
	ks *KeyStore
}

func newTableCipher(_, _ string, ks *KeyStore) (Cipher, error) {
	if ks == nil {
		return nil, errors.New("table cipher requires a key store")
	}
	return &tableCipher{ks: ks}, nil
}

func (c *tableCipher) Name() string  { return NameTable }
func (c *tableCipher) Kind() Kind    { return KindTable }
func (c *tableCipher) SaltSize() int { return 0 }
func (c *tableCipher) Overhead() int { return 0 }

func (c *tableCipher) NewEncrypter(path []byte) (Encrypter, error) {
	t, err := c.ks.Table(string(path))
	if err != nil {
		return nil, err
	}
	return &tableCrypter{path: path, table: t}, nil
}

func (c *tableCipher) NewDecrypter(path []byte) (Decrypter, error) {
	t, err := c.ks.Table(string(path))
	if err != nil {
		return nil, err
	}
	return &tableCrypter{path: path, table: t}, nil
}

type tableCrypter struct {
	path  []byte
	table *Table
}

func (t *tableCrypter) Salt() []byte                     { return t.path }
func (t *tableCrypter) Encrypt(p []byte) ([]byte, error) { return t.table.Encrypt(p) }
func (t *tableCrypter) Decrypt(c []byte) ([]byte, error) { return t.table.Decrypt(c) }
