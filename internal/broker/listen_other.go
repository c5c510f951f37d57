//go:build !unix

package broker

import "net"

// 非 unix 平台没有 SO_REUSEPORT，只能单 worker
func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
