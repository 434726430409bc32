//go:build !unix

package conn

import "syscall"

func control(int) func(network, address string, c syscall.RawConn) error {
	return nil
}
