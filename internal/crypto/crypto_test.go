package crypto

import (
	"bytes"
	"crypto/md5"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var passwordCiphers = []string{
	NameAES128CFB, NameAES192CFB, NameAES256CFB,
	NameChaCha20, NameSalsa20, NameRC4,
	NameAES128GCM, NameAES192GCM, NameAES256GCM,
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != 11 {
		t.Fatalf("Names() = %v, want 11 ciphers", names)
	}
	for _, name := range append(passwordCiphers, NameRSA, NameTable) {
		if _, err := KindOf(name); err != nil {
			t.Errorf("KindOf(%q) error: %v", name, err)
		}
	}
}

func TestNew_Unknown(t *testing.T) {
	if _, err := New("des-cbc", "pw", nil); !errors.Is(err, ErrUnknownCipher) {
		t.Errorf("err = %v, want ErrUnknownCipher", err)
	}
}

func TestNew_CaseInsensitive(t *testing.T) {
	c, err := New("AES-256-GCM", "pw", nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if c.Name() != NameAES256GCM {
		t.Errorf("Name() = %q", c.Name())
	}
}

func TestEVPBytesToKey(t *testing.T) {
	password := []byte("foobar")

	d1 := md5.Sum(password)
	d2 := md5.Sum(append(d1[:], password...))
	want := append(d1[:], d2[:]...)

	if got := EVPBytesToKey(password, nil, 32); !bytes.Equal(got, want) {
		t.Errorf("EVPBytesToKey = %x, want %x", got, want)
	}
	if got := EVPBytesToKey(password, nil, 24); !bytes.Equal(got, want[:24]) {
		t.Errorf("EVPBytesToKey(24) = %x, want %x", got, want[:24])
	}
}

func TestEncryptDecrypt(t *testing.T) {
	messages := [][]byte{
		[]byte("Hello, World!"),
		{},
		bytes.Repeat([]byte{0xAB}, 1000),
		[]byte("x"),
	}

	for _, name := range passwordCiphers {
		t.Run(name, func(t *testing.T) {
			c, err := New(name, "correct horse battery staple", nil)
			if err != nil {
				t.Fatalf("New error: %v", err)
			}

			enc, err := c.NewEncrypter(nil)
			if err != nil {
				t.Fatalf("NewEncrypter error: %v", err)
			}
			if len(enc.Salt()) != c.SaltSize() {
				t.Errorf("salt length = %d, want %d", len(enc.Salt()), c.SaltSize())
			}
			dec, err := c.NewDecrypter(enc.Salt())
			if err != nil {
				t.Fatalf("NewDecrypter error: %v", err)
			}

			for i, m := range messages {
				ct, err := enc.Encrypt(m)
				if err != nil {
					t.Fatalf("Encrypt #%d error: %v", i, err)
				}
				if len(ct) != len(m)+c.Overhead() {
					t.Errorf("ciphertext #%d length = %d, want %d", i, len(ct), len(m)+c.Overhead())
				}
				if len(m) > 4 && bytes.Equal(ct[:len(m)], m) {
					t.Errorf("ciphertext #%d equals plaintext", i)
				}

				pt, err := dec.Decrypt(ct)
				if err != nil {
					t.Fatalf("Decrypt #%d error: %v", i, err)
				}
				if !bytes.Equal(pt, m) {
					t.Errorf("Decrypt #%d = %x, want %x", i, pt, m)
				}
			}
		})
	}
}

func TestEncrypt_Deterministic(t *testing.T) {
	for _, name := range passwordCiphers {
		c, _ := New(name, "pw", nil)
		salt := bytes.Repeat([]byte{7}, c.SaltSize())

		a, _ := c.NewEncrypter(salt)
		b, _ := c.NewEncrypter(salt)
		ca, _ := a.Encrypt([]byte("same input"))
		cb, _ := b.Encrypt([]byte("same input"))
		if !bytes.Equal(ca, cb) {
			t.Errorf("%s: same key and salt produced different ciphertexts", name)
		}
	}
}

func TestStream_ChunkingIndependent(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	chunks := []int{1, 63, 64, 65, 3, 128, 200, 476}

	for _, name := range []string{NameSalsa20, NameChaCha20, NameAES256CFB, NameRC4} {
		t.Run(name, func(t *testing.T) {
			c, _ := New(name, "pw", nil)
			iv := bytes.Repeat([]byte{1}, c.SaltSize())

			whole, _ := c.NewEncrypter(iv)
			want, _ := whole.Encrypt(data)

			split, _ := c.NewEncrypter(iv)
			var got []byte
			rest := data
			for _, n := range chunks {
				ct, _ := split.Encrypt(rest[:n])
				got = append(got, ct...)
				rest = rest[n:]
			}
			if !bytes.Equal(got, want) {
				t.Error("chunked encryption differs from single-shot encryption")
			}
		})
	}
}

func TestStream_WrongIVSize(t *testing.T) {
	c, _ := New(NameAES128CFB, "pw", nil)
	if _, err := c.NewEncrypter(make([]byte, 8)); !errors.Is(err, ErrInvalidSalt) {
		t.Errorf("err = %v, want ErrInvalidSalt", err)
	}
	if _, err := c.NewDecrypter(nil); !errors.Is(err, ErrInvalidSalt) {
		t.Errorf("err = %v, want ErrInvalidSalt", err)
	}
}

func TestAEAD_Tampered(t *testing.T) {
	c, _ := New(NameAES128GCM, "pw", nil)
	enc, _ := c.NewEncrypter(nil)
	ct, _ := enc.Encrypt([]byte("attack at dawn"))

	for _, pos := range []int{0, len(ct) - TagSize - 1, len(ct) - 1} {
		tampered := append([]byte(nil), ct...)
		tampered[pos] ^= 0x01

		dec, _ := c.NewDecrypter(enc.Salt())
		if _, err := dec.Decrypt(tampered); !errors.Is(err, ErrAuthenticationTagInvalid) {
			t.Errorf("byte %d altered: err = %v, want ErrAuthenticationTagInvalid", pos, err)
		}
	}
}

func TestAEAD_FailureIsFatal(t *testing.T) {
	c, _ := New(NameAES256GCM, "pw", nil)
	enc, _ := c.NewEncrypter(nil)
	dec, _ := c.NewDecrypter(enc.Salt())

	good, _ := enc.Encrypt([]byte("first"))
	bad := append([]byte(nil), good...)
	bad[0] ^= 0xFF

	if _, err := dec.Decrypt(bad); !errors.Is(err, ErrAuthenticationTagInvalid) {
		t.Fatalf("err = %v, want ErrAuthenticationTagInvalid", err)
	}
	if _, err := dec.Decrypt(good); !errors.Is(err, ErrAuthenticationTagInvalid) {
		t.Errorf("decrypter accepted input after a verification failure: %v", err)
	}
}

func TestAEAD_NonceOrder(t *testing.T) {
	c, _ := New(NameAES192GCM, "pw", nil)
	enc, _ := c.NewEncrypter(nil)
	dec, _ := c.NewDecrypter(enc.Salt())

	first, _ := enc.Encrypt([]byte("one"))
	second, _ := enc.Encrypt([]byte("two"))

	if _, err := dec.Decrypt(second); !errors.Is(err, ErrAuthenticationTagInvalid) {
		t.Errorf("out-of-order decrypt err = %v, want ErrAuthenticationTagInvalid", err)
	}
	_ = first
}

func TestAEAD_WrongPassword(t *testing.T) {
	a, _ := New(NameAES128GCM, "pw-a", nil)
	b, _ := New(NameAES128GCM, "pw-b", nil)
	enc, _ := a.NewEncrypter(nil)
	dec, _ := b.NewDecrypter(enc.Salt())

	ct, _ := enc.Encrypt([]byte("secret"))
	if _, err := dec.Decrypt(ct); err == nil {
		t.Error("Decrypt with wrong password should fail")
	}
}

func TestSalt_RoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xFE, 0xFF}
	s := EncodeSalt(raw)
	got, err := ParseSalt(s)
	if err != nil {
		t.Fatalf("ParseSalt error: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("ParseSalt = %x, want %x", got, raw)
	}

	gen, err := GenerateSalt(16)
	if err != nil {
		t.Fatalf("GenerateSalt error: %v", err)
	}
	if b, _ := ParseSalt(gen); len(b) != 16 {
		t.Errorf("generated salt length = %d, want 16", len(b))
	}
}

func TestParseSalt_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "eno="} {
		if _, err := ParseSalt(s); !errors.Is(err, ErrInvalidSalt) {
			t.Errorf("ParseSalt(%q) err = %v, want ErrInvalidSalt", s, err)
		}
	}
}

// ============================================================================
// Table Tests
// ============================================================================

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestTable_RoundTrip(t *testing.T) {
	table, err := GenerateTable()
	if err != nil {
		t.Fatalf("GenerateTable error: %v", err)
	}
	for i, v := range table.encode {
		if int(v) == i {
			t.Fatalf("generated table has fixed point %d", i)
		}
	}

	msg := []byte("\x05\x01\x00\x03\x0bexample.com\x00\x50")
	ct, _ := table.Encrypt(msg)
	if bytes.Equal(ct, msg) {
		t.Error("table encryption left message unchanged")
	}
	pt, _ := table.Decrypt(ct)
	if !bytes.Equal(pt, msg) {
		t.Errorf("Decrypt = %x, want %x", pt, msg)
	}
}

func TestParseTable_Formats(t *testing.T) {
	table, _ := GenerateTable()
	obj, err := json.Marshal(table)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	fromObj, err := ParseTable(obj)
	if err != nil {
		t.Fatalf("ParseTable(object) error: %v", err)
	}
	if fromObj.encode != table.encode {
		t.Error("object round trip changed the table")
	}

	list := make([]int, 256)
	for i := range list {
		list[i] = 255 - i
	}
	arr, _ := json.Marshal(list)
	fromArr, err := ParseTable(arr)
	if err != nil {
		t.Fatalf("ParseTable(array) error: %v", err)
	}
	if fromArr.encode[0] != 255 || fromArr.decode[255] != 0 {
		t.Error("array table parsed incorrectly")
	}
}

func TestParseTable_NotPermutation(t *testing.T) {
	list := make([]int, 256)
	arr, _ := json.Marshal(list)
	if _, err := ParseTable(arr); err == nil {
		t.Error("ParseTable accepted a table with duplicate values")
	}
	if _, err := ParseTable([]byte(`[1,2,3]`)); err == nil {
		t.Error("ParseTable accepted a short table")
	}
}

func TestTableCipher_KeyStore(t *testing.T) {
	dir := t.TempDir()
	table, _ := GenerateTable()
	data, _ := json.Marshal(table)
	writeFile(t, dir, "table.json", data)

	ks := NewKeyStore(dir)
	c, err := New(NameTable, "", ks)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	enc, err := c.NewEncrypter([]byte("table.json"))
	if err != nil {
		t.Fatalf("NewEncrypter error: %v", err)
	}
	dec, err := c.NewDecrypter([]byte("table.json"))
	if err != nil {
		t.Fatalf("NewDecrypter error: %v", err)
	}

	ct, _ := enc.Encrypt([]byte("hello"))
	pt, _ := dec.Decrypt(ct)
	if string(pt) != "hello" {
		t.Errorf("round trip = %q", pt)
	}

	a, _ := ks.Table("table.json")
	b, _ := ks.Table("table.json")
	if a != b {
		t.Error("KeyStore loaded the same table twice")
	}
}

// ============================================================================
// RSA Tests
// ============================================================================

func TestRSACipher_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyPEM, err := GenerateRSAKey(1024)
	if err != nil {
		t.Fatalf("GenerateRSAKey error: %v", err)
	}
	path := writeFile(t, dir, "private.pem", keyPEM)

	ks := NewKeyStore("")
	c, err := New(NameRSA, "", ks)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	enc, _ := c.NewEncrypter([]byte(path))
	dec, err := c.NewDecrypter([]byte(path))
	if err != nil {
		t.Fatalf("NewDecrypter error: %v", err)
	}

	// Longer than one PKCS#1 block of a 1024-bit key.
	msg := bytes.Repeat([]byte("0123456789"), 30)
	ct, err := enc.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if len(ct) != 3*128 {
		t.Errorf("ciphertext length = %d, want %d", len(ct), 3*128)
	}
	pt, err := dec.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt error: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Error("RSA round trip mismatch")
	}

	k1, _ := ks.RSA(path)
	k2, _ := ks.RSA(path)
	if k1 != k2 {
		t.Error("KeyStore loaded the same key twice")
	}
}

func TestRSA_PublicOnly(t *testing.T) {
	keyPEM, _ := GenerateRSAKey(1024)
	full, err := ParseRSAKey(keyPEM)
	if err != nil {
		t.Fatalf("ParseRSAKey error: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(full.Public)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey error: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	pub, err := ParseRSAKey(pubPEM)
	if err != nil {
		t.Fatalf("ParseRSAKey(public) error: %v", err)
	}
	if pub.Private != nil {
		t.Error("public key file produced a private key")
	}

	ct, err := pub.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if _, err := pub.Decrypt(ct); !errors.Is(err, ErrNoPrivateKey) {
		t.Errorf("err = %v, want ErrNoPrivateKey", err)
	}
	pt, err := full.Decrypt(ct)
	if err != nil || string(pt) != "hi" {
		t.Errorf("private Decrypt = %q, %v", pt, err)
	}

}

func TestKeyStore_MissingFile(t *testing.T) {
	ks := NewKeyStore(t.TempDir())
	if _, err := ks.RSA("nope.pem"); err == nil {
		t.Error("RSA() on missing file should fail")
	}
	if _, err := ks.Table(""); err == nil {
		t.Error("Table(\"\") should fail")
	}
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ZeroBytes(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d = %d, want 0", i, b)
		}
	}
}

func BenchmarkEncryptAES256GCM(b *testing.B) {
	c, _ := New(NameAES256GCM, "pw", nil)
	enc, _ := c.NewEncrypter(nil)
	data := make([]byte, 16*1024)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		enc.Encrypt(data)
	}
}

func BenchmarkEncryptChaCha20(b *testing.B) {
	c, _ := New(NameChaCha20, "pw", nil)
	enc, _ := c.NewEncrypter(nil)
	data := make([]byte, 16*1024)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		enc.Encrypt(data)
	}
}
