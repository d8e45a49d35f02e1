// Package testutil provides test helpers and utilities for cyncd tests.
package testutil

import (
	"crypto/rand"
	"net"
	"time"

	"github.com/cync-lan/cyncd/internal/protocol"
)

// RandomBytes generates cryptographically random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// RandomEndpoint generates a random bridge endpoint identifier.
func RandomEndpoint() [protocol.EndpointSize]byte {
	var e [protocol.EndpointSize]byte
	_, _ = rand.Read(e[:])
	return e
}

// RandomPayload generates a random STATUS_BROADCAST/DATA_CHANNEL payload of
// the given size.
func RandomPayload(size int) []byte {
	return RandomBytes(size)
}

// FreeTCPPort finds an available TCP port by briefly binding to it.
func FreeTCPPort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// WaitFor polls until condition is true or timeout.
func WaitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
