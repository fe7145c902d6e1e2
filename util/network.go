package util

import (
	"fmt"
	"net"
	"strconv"
)

// ResolveAddr joins host and port for dialing.  With numericOnly set the
// host must already be an IP literal, so no resolver is consulted.
func ResolveAddr(host string, port int, numericOnly bool) (string, error) {
	if numericOnly {
		if ip := net.ParseIP(host); ip == nil {
			return "", fmt.Errorf("%q is not an IP address and name lookups are off (-n)", host)
		}
	}
	return FormatAddr(host, port), nil
}

// FormatAddr renders host and port as host:port, bracketing IPv6 hosts.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FindFreePort asks the kernel for an unused loopback TCP port.  The
// port is released before returning, so tests may still race for it.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserve port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	return port, l.Close()
}
