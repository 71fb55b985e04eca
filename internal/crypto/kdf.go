package crypto

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// subkeyInfo is the HKDF context label for AEAD subkeys.
const subkeyInfo = "ss-subkey"

// EVPBytesToKey stretches a password into keyLen bytes the way OpenSSL's
// EVP_BytesToKey does with MD5 and one iteration: D_i = MD5(D_{i-1} || password || salt).
func EVPBytesToKey(password, salt []byte, keyLen int) []byte {
	const md5Len = md5.Size

	cnt := (keyLen-1)/md5Len + 1
	m := make([]byte, 0, cnt*md5Len)

	var prev []byte
	for len(m) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		m = append(m, prev...)
	}
	return m[:keyLen]
}

// hkdfSHA1 derives keyLen bytes from secret and salt.
func hkdfSHA1(secret, salt []byte, info string, keyLen int) ([]byte, error) {
	r := hkdf.New(sha1.New, secret, salt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return key, nil
}
