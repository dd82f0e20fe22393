// Package transport binds network listeners to bus connections: websocket
// over HTTP and a bidirectional gRPC stream.
package transport

import (
	"net"
	"strings"
	"time"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Connection is considered dead if nothing is heard from the peer for this long.
	defaultIdleTimeout = 55 * time.Second

	// Largest inbound frame.
	defaultMaxMessageSize = 1 << 20

	// Frames queued for sending per connection.
	defaultSendQueueLen = 128
)

// Listen creates a listener for addr. Addresses prefixed with "unix:" are
// unix sockets, everything else is TCP.
func Listen(addr string) (net.Listener, error) {
	addrType := "tcp"
	if strings.HasPrefix(addr, "unix:") {
		addrType = "unix"
		addr = addr[5:]
	}
	return net.Listen(addrType, addr)
}

// isRoutableIP checks if the string is a valid public IP address.
func isRoutableIP(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}

// remoteAddr picks the address of the peer, optionally trusting X-Forwarded-For.
func remoteAddr(forwarded, direct string, useForwarded bool) string {
	if useForwarded && forwarded != "" {
		// The first address is the client, the rest are proxies.
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if isRoutableIP(first) {
			return first
		}
	}
	return direct
}
