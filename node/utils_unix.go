//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// IsTemporaryError checks if the error is temporary, e.g., EAGAIN or EWOULDBLOCK.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func CloseFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return unix.Close(fd)
}

// sockaddrToAddr converts an inet socket address, other families give nil.
func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]), Port: addr.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, addr.Addr[:])
		return &net.TCPAddr{IP: ip, Port: addr.Port}
	}
	return nil
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return sockaddrToAddr(sa)
}

// resolveSockaddr resolves a host:port into a socket address and its family.
func resolveSockaddr(address string) (unix.Sockaddr, int, *net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, 0, nil, err
	}
	if addr.IP == nil {
		addr.IP = net.IPv4(127, 0, 0, 1)
	}

	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return nil, 0, nil, fmt.Errorf("invalid ip %s", addr.IP)
	}
	ip = ip.Unmap()

	if ip.Is4() {
		sa := &unix.SockaddrInet4{Port: addr.Port, Addr: ip.As4()}
		return sa, unix.AF_INET, addr, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port, Addr: ip.As16()}
	return sa, unix.AF_INET6, addr, nil
}
