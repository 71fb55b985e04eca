package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// maxBurst caps the limiter bucket so a single read never waits on more than this.
const maxBurst = 256 * 1024

// NewLimiter returns a limiter for bytesPerSec, or nil when bytesPerSec is zero.
func NewLimiter(bytesPerSec uint64) *rate.Limiter {
	if bytesPerSec == 0 {
		return nil
	}
	burst := int(min(bytesPerSec, maxBurst))
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Stats counts the plaintext bytes a pipe moved.
type Stats struct {
	Upstream   int64 // client to target
	Downstream int64 // target to client
}

// LogValue renders byte counts in human units.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("upstream", humanize.Bytes(uint64(s.Upstream))),
		slog.String("downstream", humanize.Bytes(uint64(s.Downstream))),
	)
}

type halfCloser interface {
	CloseWrite() error
}

// Pipe copies data between client and target until both directions finish. A direction
// that reaches EOF half-closes its destination, or closes both connections when the
// destination cannot be half-closed. A direction that fails, or cancellation of ctx,
// closes both connections. lim, when non-nil, is shared by both directions.
func Pipe(ctx context.Context, client, target net.Conn, lim *rate.Limiter) (Stats, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			client.Close()
			target.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	type result struct {
		n   int64
		err error
	}
	upCh := make(chan result, 1)
	downCh := make(chan result, 1)

	copyHalf := func(dst, src net.Conn, out chan<- result) {
		var r io.Reader = src
		if lim != nil {
			r = &limitedReader{ctx: ctx, r: src, lim: lim}
		}
		n, err := io.Copy(dst, r)
		if err != nil || !closeWrite(dst) {
			closeBoth()
		}
		out <- result{n, err}
	}

	go copyHalf(target, client, upCh)
	go copyHalf(client, target, downCh)

	up := <-upCh
	down := <-downCh

	stats := Stats{Upstream: up.n, Downstream: down.n}
	err := firstRealError(up.err, down.err)
	if ctx.Err() != nil && err != nil {
		err = ctx.Err()
	}
	return stats, err
}

func closeWrite(c net.Conn) bool {
	hc, ok := c.(halfCloser)
	return ok && hc.CloseWrite() == nil
}

// firstRealError drops the errors that follow from the pipe closing its own connections.
func firstRealError(errs ...error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
	}
	return nil
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.lim.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.lim.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
