package server

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/cync-lan/cyncd/internal/config"
	"github.com/cync-lan/cyncd/internal/protocol"
)

func TestServeAcceptsAndCompletesHandshake(t *testing.T) {
	opts := config.DefaultOptions()
	s, err := New(Config{ListenAddr: "127.0.0.1:0", Options: opts})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx) }()

	var addr string
	deadline := time.After(time.Second)
	for {
		if a := s.Addr(); a != nil {
			addr = a.String()
			break
		}
		select {
		case <-deadline:
			t.Fatal("server never bound a listen address")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	dialer := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
	client, err := dialer.DialContext(context.Background(), "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	endpoint := [protocol.EndpointSize]byte{1, 2, 3, 4, 5}
	if _, err := client.Write(protocol.EncodeHandshake(endpoint, 0x01)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	ack := make([]byte, len(protocol.EncodeHelloAck()))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(ack); err != nil {
		t.Fatalf("read hello_ack: %v", err)
	}
	want := protocol.EncodeHelloAck()
	for i := range want {
		if ack[i] != want[i] {
			t.Fatalf("unexpected HELLO_ACK bytes: got % x want % x", ack, want)
		}
	}

	cancel()
	select {
	case <-serveErr:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestServeRejectsPeerOutsideWhitelist(t *testing.T) {
	opts := config.DefaultOptions()
	opts.TCPWhitelist = []string{"203.0.113.5"}
	s, err := New(Config{ListenAddr: "127.0.0.1:0", Options: opts})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Serve(ctx)

	var addr string
	deadline := time.After(time.Second)
	for {
		if a := s.Addr(); a != nil {
			addr = a.String()
			break
		}
		select {
		case <-deadline:
			t.Fatal("server never bound a listen address")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A plain TCP dial: the server closes the socket before any TLS
	// handshake, so a TLS dialer would fail inside DialContext itself.
	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed before a TLS handshake completes")
	}
}
