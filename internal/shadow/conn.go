package shadow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const (
	// MaxChunkSize is the largest plaintext carried by one data frame.
	MaxChunkSize = 0x3FFF

	// maxFrameSize bounds a frame's ciphertext by its two-byte length prefix.
	maxFrameSize = 0xFFFF
)

// Conn frames encrypted messages over a hop connection. Each side first sends its
// session's salt prefix in clear, then every message travels as a two-byte big-endian
// length followed by its ciphertext. Control messages are exchanged
// with WriteControl and ReadControl; once the session is established Read and Write carry
// the data plane as a byte stream.
//
// Reads and writes may run on different goroutines; concurrent writers are serialised.
type Conn struct {
	net.Conn
	session *Session

	wmu      sync.Mutex
	saltSent bool

	saltRead bool
	rhdr     [2]byte
	rbuf []byte // decrypted data not yet returned by Read
}

// NewConn wraps c with the cipher state of s.
func NewConn(c net.Conn, s *Session) *Conn {
	return &Conn{Conn: c, session: s}
}

// Session returns the cipher state.
func (c *Conn) Session() *Session { return c.session }

// WriteControl encrypts and sends one control message.
func (c *Conn) WriteControl(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	ct, err := c.session.EncryptProtocolData(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(ct)
}

// ReadControl receives and decrypts one control message.
func (c *Conn) ReadControl() ([]byte, error) {
	ct, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	return c.session.DecryptProtocolData(ct)
}

// Write encrypts p onto the data plane in chunks of at most MaxChunkSize bytes.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var n int
	for len(p) > 0 {
		size := min(len(p), MaxChunkSize)
		ct, err := c.session.EncryptData(p[:size])
		if err != nil {
			return n, err
		}
		if err := c.writeFrame(ct); err != nil {
			return n, err
		}
		n += size
		p = p[size:]
	}
	return n, nil
}

// Read returns decrypted data plane bytes.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.rbuf) == 0 {
		ct, err := c.readFrame()
		if err != nil {
			return 0, err
		}
		pt, err := c.session.DecryptData(ct)
		if err != nil {
			return 0, err
		}
		c.rbuf = pt
	}

	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

// CloseWrite half-closes the underlying connection. It returns errors.ErrUnsupported
// when the connection has no write half of its own.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return errors.ErrUnsupported
}

func (c *Conn) writeFrame(ct []byte) error {
	if len(ct) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(ct), maxFrameSize)
	}
	var prefix []byte
	if !c.saltSent {
		prefix = c.session.SaltPrefix()
	}
	buf := make([]byte, len(prefix)+2+len(ct))
	n := copy(buf, prefix)
	binary.BigEndian.PutUint16(buf[n:], uint16(len(ct)))
	copy(buf[n+2:], ct)
	if _, err := c.Conn.Write(buf); err != nil {
		return err
	}
	c.saltSent = true
	return nil
}

func (c *Conn) readSalt() error {
	prefix := make([]byte, c.session.proto.SaltPrefixSize())
	if _, err := io.ReadFull(c.Conn, prefix); err != nil {
		return err
	}
	if err := c.session.SetPeerSaltPrefix(prefix); err != nil {
		return err
	}
	c.saltRead = true
	return nil
}

func (c *Conn) readFrame() ([]byte, error) {
	if !c.saltRead {
		if err := c.readSalt(); err != nil {
			return nil, err
		}
	}
	if _, err := io.ReadFull(c.Conn, c.rhdr[:]); err != nil {
		return nil, err
	}
	ct := make([]byte, binary.BigEndian.Uint16(c.rhdr[:]))
	if _, err := io.ReadFull(c.Conn, ct); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return ct, nil
}
