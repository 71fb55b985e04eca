package remote

import (
	"context"
	"net"
)

// listenBind opens the BIND listener with SO_REUSEADDR set where the platform has it,
// so a fixed bind port can be taken again while the last session's sockets linger.
func listenBind(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	return lc.Listen(ctx, "tcp", addr)
}
