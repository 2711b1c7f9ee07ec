// Package port owns the host port the routing service is published on.
//
// The Scanner asks the operating system whether a port is free by trying
// to bind it. The Registry turns a port into an exclusive, in-process
// Lease so two runs in the same process never race for one binding: a
// second run either waits for the lease or is given a different port.
package port

import (
	"fmt"
	"net"
)

// IANA dynamic/private port range, used when no fixed port is configured.
const (
	DynamicRangeStart = 49152
	DynamicRangeEnd   = 65535
)

// Scanner checks whether ports are available on the host machine.
type Scanner struct{}

// NewScanner creates a new Scanner instance.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortAvailable reports whether port can currently be bound for protocol
// on all interfaces. Only "tcp" is published by the routing service; any
// other protocol is reported as unavailable.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	if protocol != "tcp" {
		return false
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
