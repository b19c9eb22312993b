package config

import (
	"net"
	"strconv"
	"strings"
)

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// NormalizeListenAddr normalizes a listen address.
// - A bare port (e.g. "8080") listens on all interfaces (":8080").
// - A host without port gets defaultPort.
// Returns the address in "host:port" format.
func NormalizeListenAddr(addr string, defaultPort string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort("", defaultPort)
	}

	// Check if address contains a colon (host:port format)
	if strings.Contains(addr, ":") {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return addr
		}
		return net.JoinHostPort(host, port)
	}

	// No colon, check if it's a valid port number
	if isPortNumber(addr) {
		return net.JoinHostPort("", addr)
	}

	// Not a port, treat as hostname and use default port
	return net.JoinHostPort(addr, defaultPort)
}
