//go:build linux

// Package fastpath — sockopt_linux.go
//
// Linux socket tuning for the fast path.
//
// Receiver: SO_REUSEPORT so multiple Pheromone processes can share the
// port, and the largest receive buffer the kernel will grant (tries 8 MiB
// down to 256 KiB — burst absorption belongs in the kernel buffer first,
// the ring second).
//
// Sender: DSCP EF (TOS 0xB8) so elevation datagrams ride the expedited
// queue, a 256 KiB send buffer, and unicast TTL 16 — the fast path is
// intra-cluster traffic and must not leak far past it.

package fastpath

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// recvBufSizes are tried largest-first until one is accepted.
var recvBufSizes = []int{8 << 20, 4 << 20, 1 << 20, 256 << 10}

// controlRecvSocket applies receiver socket options. Used as the
// net.ListenConfig Control hook; option failures are ignored (the
// defaults still work, just with less headroom).
func controlRecvSocket(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		for _, sz := range recvBufSizes {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, sz); err == nil {
				break
			}
		}
	})
}

// controlSendSocket applies sender socket options (DSCP EF, send buffer,
// bounded TTL). Used as the net.Dialer Control hook.
func controlSendSocket(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, 256<<10)
		switch network {
		case "udp6":
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscpEF)
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, sendTTL)
		default:
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscpEF)
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, sendTTL)
		}
	})
}
