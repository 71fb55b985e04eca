package shadow

import (
	"errors"
	"fmt"

	"github.com/postalsys/shadow-tunnel/internal/socks5"
)

// ErrHeaderTooLong is returned when an encrypted UDP header does not fit its one-byte
// length prefix.
var ErrHeaderTooLong = errors.New("encrypted UDP header exceeds 255 bytes")

// EncryptUDPData encodes a SOCKS5 UDP frame for the hop:
//
//	+-------------+-----+-----------+------------+
//	| SALT PREFIX | LEN | HEADER CT | PAYLOAD CT |
//	+-------------+-----+-----------+------------+
//	|  Variable   |  1  |    LEN    |  Variable  |
//	+-------------+-----+-----------+------------+
//
// The header (ATYP, DST.ADDR, DST.PORT) goes through the control cipher and the payload
// through the data cipher. RSV and FRAG are not transmitted. Every datagram carries its
// own random salt prefix, laid out as on a hop connection, so loss or reordering cannot
// desynchronise counters and no two datagrams share a keystream or nonce.
func (s *Session) EncryptUDPData(frame []byte) ([]byte, error) {
	hlen, err := socks5.UDPHeaderLen(frame)
	if err != nil {
		return nil, err
	}

	cp, err := s.proto.control.newPrefix()
	if err != nil {
		return nil, err
	}
	dp, err := s.proto.data.newPrefix()
	if err != nil {
		return nil, err
	}

	encHdr, err := s.proto.control.encrypter(cp)
	if err != nil {
		return nil, err
	}
	hdr, err := encHdr.Encrypt(frame[3:hlen])
	if err != nil {
		return nil, err
	}
	if len(hdr) > 255 {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLong, len(hdr))
	}

	encPayload, err := s.proto.data.encrypter(dp)
	if err != nil {
		return nil, err
	}
	payload, err := encPayload.Encrypt(frame[hlen:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(cp)+len(dp)+1+len(hdr)+len(payload))
	out = append(out, cp...)
	out = append(out, dp...)
	out = append(out, byte(len(hdr)))
	out = append(out, hdr...)
	return append(out, payload...), nil
}

// DecryptUDPData reverses EncryptUDPData, returning a SOCKS5 UDP frame with RSV and FRAG
// set to zero.
func (s *Session) DecryptUDPData(b []byte) ([]byte, error) {
	cn := s.proto.control.prefixSize()
	pn := s.proto.SaltPrefixSize()
	if len(b) < pn+1 {
		return nil, fmt.Errorf("%w: datagram of %d bytes", socks5.ErrParsing, len(b))
	}
	cp, dp, b := b[:cn], b[cn:pn], b[pn:]

	n := int(b[0])
	if len(b) < 1+n {
		return nil, fmt.Errorf("%w: header of %d bytes in datagram of %d", socks5.ErrParsing, n, len(b))
	}

	decHdr, err := s.proto.control.decrypter(cp)
	if err != nil {
		return nil, err
	}
	hdr, err := decHdr.Decrypt(b[1 : 1+n])
	if err != nil {
		return nil, err
	}
	alen, err := socks5.AddrLen(hdr)
	if err != nil {
		return nil, err
	}
	if alen != len(hdr) {
		return nil, fmt.Errorf("%w: header carries %d bytes after the address", socks5.ErrParsing, len(hdr)-alen)
	}

	decPayload, err := s.proto.data.decrypter(dp)
	if err != nil {
		return nil, err
	}
	payload, err := decPayload.Decrypt(b[1+n:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 3+len(hdr)+len(payload))
	out = append(out, 0, 0, 0)
	out = append(out, hdr...)
	return append(out, payload...), nil
}
