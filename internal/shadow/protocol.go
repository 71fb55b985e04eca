// Package shadow implements the protocol spoken between the local and remote hops.
//
// Two independently configured ciphers are used: the control plane carries SOCKS5
// negotiation messages (with the leading version byte removed) and UDP frame headers; the
// data plane carries established stream payload and UDP payloads.
package shadow

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/shadow-tunnel/internal/crypto"
	"github.com/postalsys/shadow-tunnel/internal/socks5"
)

// Role names the side of a hop connection.
type Role int

const (
	// Initiator is the local hop.
	Initiator Role = iota
	// Responder is the remote hop.
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "initiator"
}

// PlaneConfig selects the cipher and salt of one plane. Salt is base64(hex(bytes)) for
// stream and AEAD ciphers and a key file path for rsa and table. A configured salt is a
// shared secret mixed into the random salt each connection sends.
type PlaneConfig struct {
	Cipher string
	Salt   string
}

// Config configures a Protocol.
type Config struct {
	Key     string
	Control PlaneConfig
	Data    PlaneConfig
}

type plane struct {
	cipher crypto.Cipher
	salt   []byte
}

// Protocol holds the two planes. It is immutable and shared by all sessions.
type Protocol struct {
	control plane
	data    plane
}

// New builds a protocol, loading any file-keyed material through ks and checking that
// both planes can produce encrypters and decrypters.
func New(cfg Config, ks *crypto.KeyStore) (*Protocol, error) {
	control, err := newPlane("control", cfg.Key, cfg.Control, ks)
	if err != nil {
		return nil, err
	}
	data, err := newPlane("data", cfg.Key, cfg.Data, ks)
	if err != nil {
		return nil, err
	}

	p := &Protocol{control: control, data: data}
	ss, err := p.NewSession(Initiator)
	if err != nil {
		return nil, err
	}
	if err := ss.SetPeerSaltPrefix(ss.SaltPrefix()); err != nil {
		return nil, err
	}
	return p, nil
}

func newPlane(name, key string, pc PlaneConfig, ks *crypto.KeyStore) (plane, error) {
	c, err := crypto.New(pc.Cipher, key, ks)
	if err != nil {
		return plane{}, fmt.Errorf("%s cipher: %w", name, err)
	}

	var salt []byte
	switch {
	case c.Kind().FileKeyed():
		if pc.Salt == "" {
			return plane{}, fmt.Errorf("%s cipher %s: key file path required in salt", name, c.Name())
		}
		salt = []byte(pc.Salt)
	case c.SaltSize() == 0:
		salt = []byte{}
	default:
		if salt, err = crypto.ParseSalt(pc.Salt); err != nil {
			return plane{}, fmt.Errorf("%s salt: %w", name, err)
		}
		if len(salt) != c.SaltSize() {
			return plane{}, fmt.Errorf("%s salt: %w: %s needs %d bytes, got %d",
				name, crypto.ErrInvalidSalt, c.Name(), c.SaltSize(), len(salt))
		}
	}
	return plane{cipher: c, salt: salt}, nil
}

// ControlCipher returns the control plane cipher.
func (p *Protocol) ControlCipher() crypto.Cipher { return p.control.cipher }

// DataCipher returns the data plane cipher.
func (p *Protocol) DataCipher() crypto.Cipher { return p.data.cipher }

// prefixSize is the number of clear salt bytes a sender puts ahead of this plane's
// ciphertext. File-keyed ciphers and ciphers without a salt send none.
func (pl plane) prefixSize() int {
	if pl.cipher.Kind().FileKeyed() {
		return 0
	}
	return len(pl.salt)
}

func (pl plane) newPrefix() ([]byte, error) {
	b := make([]byte, pl.prefixSize())
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return b, nil
}

// saltFor combines a random prefix with the configured salt. A peer that lacks the
// configured salt derives the wrong keys.
func (pl plane) saltFor(prefix []byte) []byte {
	if pl.prefixSize() == 0 {
		return pl.salt
	}
	s := make([]byte, len(pl.salt))
	for i := range s {
		s[i] = pl.salt[i] ^ prefix[i]
	}
	return s
}

func (pl plane) encrypter(prefix []byte) (crypto.Encrypter, error) {
	return pl.cipher.NewEncrypter(pl.saltFor(prefix))
}

func (pl plane) decrypter(prefix []byte) (crypto.Decrypter, error) {
	return pl.cipher.NewDecrypter(pl.saltFor(prefix))
}

// SaltPrefixSize is the length of the clear salt prefix each side sends before its
// first frame: the control plane salt followed by the data plane salt.
func (p *Protocol) SaltPrefixSize() int {
	return p.control.prefixSize() + p.data.prefixSize()
}

// ErrNoPeerSalt is returned when a session decrypts before the peer's salt prefix has
// been applied.
var ErrNoPeerSalt = errors.New("peer salt prefix not received")

// Session holds the cipher state of one hop connection as seen by one role. Each side
// sends with salts drawn at random for the connection, so no two connections or
// directions share a keystream or nonce sequence. Each of the four directions keeps its
// own counter for the life of the connection.
type Session struct {
	proto  *Protocol
	role   Role
	prefix []byte

	encControl crypto.Encrypter
	decControl crypto.Decrypter
	encData    crypto.Encrypter
	decData    crypto.Decrypter
}

// NewSession draws the connection's salts and derives its encrypters. Decrypters are
// derived once the peer's prefix arrives through SetPeerSaltPrefix.
func (p *Protocol) NewSession(role Role) (*Session, error) {
	cp, err := p.control.newPrefix()
	if err != nil {
		return nil, err
	}
	dp, err := p.data.newPrefix()
	if err != nil {
		return nil, err
	}

	s := &Session{proto: p, role: role, prefix: append(cp, dp...)}
	if s.encControl, err = p.control.encrypter(cp); err != nil {
		return nil, fmt.Errorf("control encrypter: %w", err)
	}
	if s.encData, err = p.data.encrypter(dp); err != nil {
		return nil, fmt.Errorf("data encrypter: %w", err)
	}
	return s, nil
}

// SaltPrefix returns the bytes this side sends in clear ahead of its first frame.
func (s *Session) SaltPrefix() []byte { return s.prefix }

// SetPeerSaltPrefix derives the decrypters from the prefix the peer sent.
func (s *Session) SetPeerSaltPrefix(b []byte) error {
	if len(b) != s.proto.SaltPrefixSize() {
		return fmt.Errorf("%w: salt prefix of %d bytes, want %d", crypto.ErrInvalidSalt, len(b), s.proto.SaltPrefixSize())
	}
	n := s.proto.control.prefixSize()

	var err error
	if s.decControl, err = s.proto.control.decrypter(b[:n]); err != nil {
		return fmt.Errorf("control decrypter: %w", err)
	}
	if s.decData, err = s.proto.data.decrypter(b[n:]); err != nil {
		return fmt.Errorf("data decrypter: %w", err)
	}
	return nil
}

// Role returns the session's role.
func (s *Session) Role() Role { return s.role }

// EncryptProtocolData encrypts a SOCKS5 control message. The leading version byte is not
// transmitted.
func (s *Session) EncryptProtocolData(msg []byte) ([]byte, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("%w: empty control message", socks5.ErrParsing)
	}
	if msg[0] != socks5.Version {
		return nil, fmt.Errorf("%w: control message starts with %#x", socks5.ErrVersionMismatch, msg[0])
	}
	return s.encControl.Encrypt(msg[1:])
}

// DecryptProtocolData decrypts a control message and restores its version byte.
func (s *Session) DecryptProtocolData(ct []byte) ([]byte, error) {
	if s.decControl == nil {
		return nil, ErrNoPeerSalt
	}
	body, err := s.decControl.Decrypt(ct)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, 1+len(body))
	msg = append(msg, socks5.Version)
	return append(msg, body...), nil
}

// EncryptData encrypts established stream payload.
func (s *Session) EncryptData(b []byte) ([]byte, error) {
	return s.encData.Encrypt(b)
}

// DecryptData decrypts established stream payload.
func (s *Session) DecryptData(b []byte) ([]byte, error) {
	if s.decData == nil {
		return nil, ErrNoPeerSalt
	}
	return s.decData.Decrypt(b)
}

// IsAuthFailure reports whether err is an AEAD verification failure.
func IsAuthFailure(err error) bool {
	return errors.Is(err, crypto.ErrAuthenticationTagInvalid)
}
