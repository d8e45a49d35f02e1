package framer

import (
	"bytes"
	"testing"

	"github.com/cync-lan/cyncd/internal/protocol"
)

func testEndpoint() [protocol.EndpointSize]byte {
	return [protocol.EndpointSize]byte{0x1b, 0xdc, 0xda, 0x3e, 0x00}
}

func TestFeedSinglePacketWholeWrite(t *testing.T) {
	fr := New(DefaultMaxPacketSize)
	pkt := protocol.EncodeHeartbeat()

	packets, err := fr.Feed(pkt)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], pkt) {
		t.Fatalf("expected one packet equal to input, got %v", packets)
	}
	if fr.Pending() != 0 {
		t.Errorf("expected no pending bytes, got %d", fr.Pending())
	}
}

func TestFeedByteAtATime(t *testing.T) {
	fr := New(DefaultMaxPacketSize)
	endpoint := testEndpoint()
	pkt := protocol.EncodeDataChannel(endpoint, 1, []byte{0x01, 0x02, 0x03})

	var got [][]byte
	for _, b := range pkt {
		packets, err := fr.Feed([]byte{b})
		if err != nil {
			t.Fatalf("Feed failed mid-stream: %v", err)
		}
		got = append(got, packets...)
	}
	if len(got) != 1 || !bytes.Equal(got[0], pkt) {
		t.Fatalf("expected one reassembled packet, got %v", got)
	}
}

func TestFeedMultiplePacketsInOneWrite(t *testing.T) {
	fr := New(DefaultMaxPacketSize)
	a := protocol.EncodeHeartbeat()
	b := protocol.EncodeHeartbeatAck()
	c := protocol.EncodeHelloAck()

	combined := append(append(append([]byte{}, a...), b...), c...)
	packets, err := fr.Feed(combined)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(packets))
	}
	if !bytes.Equal(packets[0], a) || !bytes.Equal(packets[1], b) || !bytes.Equal(packets[2], c) {
		t.Fatalf("packet contents mismatch")
	}
}

func TestFeedRetainsPartialPacketAcrossCalls(t *testing.T) {
	fr := New(DefaultMaxPacketSize)
	pkt := protocol.EncodeHelloAck()

	packets, err := fr.Feed(pkt[:3])
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected no complete packets yet, got %d", len(packets))
	}
	if fr.Pending() != 3 {
		t.Errorf("expected 3 pending bytes, got %d", fr.Pending())
	}

	packets, err = fr.Feed(pkt[3:])
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(packets) != 1 || !bytes.Equal(packets[0], pkt) {
		t.Fatalf("expected the completed packet, got %v", packets)
	}
}

func TestFeedOversizeRejectsWithNoResyncPoint(t *testing.T) {
	fr := New(32)
	// A header declaring a huge data_length, with garbage after it that
	// never yields a plausible header within the resync bound.
	garbage := make([]byte, 64)
	garbage[0] = protocol.TypeDataChannel
	garbage[3] = 0xFF
	garbage[4] = 0xFF

	_, err := fr.Feed(garbage)
	if err == nil {
		t.Fatal("expected a framing error")
	}
	fe, ok := err.(*FramingError)
	if !ok {
		t.Fatalf("expected *FramingError, got %T", err)
	}
	if fe.Kind != KindOversize && fe.Kind != KindCorruptHeader {
		t.Errorf("unexpected error kind: %s", fe.Kind)
	}
}

func TestFeedResyncsAfterGarbagePrefix(t *testing.T) {
	fr := New(DefaultMaxPacketSize)
	pkt := protocol.EncodeHeartbeat()

	// A five-byte garbage header in front that claims an oversize length,
	// forcing the framer to resync onto the real packet that follows.
	garbageHeader := []byte{protocol.TypeDataChannel, 0, 0, 0xFF, 0xFF}
	stream := append(garbageHeader, pkt...)

	packets, err := fr.Feed(stream)
	if err == nil {
		t.Fatal("expected a corrupt_header framing error")
	}
	fe, ok := err.(*FramingError)
	if !ok || fe.Kind != KindCorruptHeader {
		t.Fatalf("expected corrupt_header, got %v", err)
	}
	_ = packets

	// Once resynced, subsequent feeds should decode cleanly.
	more, err := fr.Feed(nil)
	if err != nil {
		t.Fatalf("unexpected error after resync: %v", err)
	}
	if len(more) != 1 || !bytes.Equal(more[0], pkt) {
		t.Fatalf("expected the recovered heartbeat packet, got %v", more)
	}
}
