//go:build !unix

package netutil

import "syscall"

func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
