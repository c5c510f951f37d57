//go:build unix

package broker

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listen 打开 SO_REUSEPORT 监听，多个 worker 进程可绑定同一端口，由内核分发连接
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}
