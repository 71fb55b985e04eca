//go:build !unix

package remote

import "syscall"

func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
