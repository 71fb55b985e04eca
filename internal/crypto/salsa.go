package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/salsa20/salsa"
)

const salsaBlockSize = 64

// salsaStream turns the block-positioned salsa core into a cipher.Stream that can be
// fed messages of any length.
type salsaStream struct {
	key     [32]byte
	nonce   [8]byte
	counter uint64 // keystream bytes consumed
}

func newSalsa20(key, iv []byte) (cipher.Stream, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("salsa20: key of %d bytes", len(key))
	}
	if len(iv) != 8 {
		return nil, fmt.Errorf("salsa20: nonce of %d bytes", len(iv))
	}
	s := &salsaStream{}
	copy(s.key[:], key)
	copy(s.nonce[:], iv)
	return s, nil
}

func (s *salsaStream) XORKeyStream(dst, src []byte) {
	if len(src) == 0 {
		return
	}

	// Realign to the block boundary: the core always starts at the beginning of a block.
	pad := int(s.counter % salsaBlockSize)
	buf := make([]byte, pad+len(src))
	copy(buf[pad:], src)

	var sub [16]byte
	copy(sub[:8], s.nonce[:])
	binary.LittleEndian.PutUint64(sub[8:], s.counter/salsaBlockSize)

	salsa.XORKeyStream(buf, buf, &sub, &s.key)
	copy(dst, buf[pad:])
	s.counter += uint64(len(src))
}
