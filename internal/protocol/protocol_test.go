package protocol

import (
	"bytes"
	"testing"
)

func testEndpoint() [EndpointSize]byte {
	return [EndpointSize]byte{0x1b, 0xdc, 0xda, 0x3e, 0x00}
}

func TestDecodeHeartbeat(t *testing.T) {
	data := EncodeHeartbeat()
	if len(data) != HeaderSize {
		t.Fatalf("expected %d bytes, got %d", HeaderSize, len(data))
	}
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != TypeHeartbeat {
		t.Errorf("expected type 0x%02x, got 0x%02x", TypeHeartbeat, p.Type)
	}
	if len(p.Data) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(p.Data))
	}
}

func TestDecodeHeartbeatAck(t *testing.T) {
	data := EncodeHeartbeatAck()
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != TypeHeartbeatAck {
		t.Errorf("expected type 0x%02x, got 0x%02x", TypeHeartbeatAck, p.Type)
	}
}

func TestDecodeHelloAck(t *testing.T) {
	data := EncodeHelloAck()
	if len(data) != 7 {
		t.Fatalf("expected 7 bytes, got %d", len(data))
	}
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != TypeHelloAck {
		t.Errorf("unexpected type: 0x%02x", p.Type)
	}
	if p.HasEndpoint {
		t.Error("HELLO_ACK is too short to carry an endpoint")
	}
}

func TestDecodeDataAckPureAck(t *testing.T) {
	endpoint := [EndpointSize]byte{0x45, 0x88, 0x0f, 0x3a, 0x00}
	data := EncodeDataAck(endpoint, 0x1000)
	if len(data) != 12 {
		t.Fatalf("expected 12 bytes, got %d", len(data))
	}
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != TypeDataAck {
		t.Errorf("unexpected type: 0x%02x", p.Type)
	}
	if !p.HasEndpoint || p.Endpoint != endpoint {
		t.Errorf("endpoint mismatch: got %x", p.Endpoint)
	}
	if !p.HasMsgID || p.MsgID != 0x1000 {
		t.Errorf("msg_id mismatch: got 0x%04x", p.MsgID)
	}
}

func TestDecodeStatusAckNoMsgID(t *testing.T) {
	endpoint := testEndpoint()
	data := EncodeStatusAck(endpoint)
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.HasMsgID {
		t.Error("STATUS_ACK must not carry a msg_id")
	}
	if !p.HasEndpoint || p.Endpoint != endpoint {
		t.Errorf("endpoint mismatch: got %x", p.Endpoint)
	}
}

func TestDecodeInfoAck(t *testing.T) {
	endpoint := testEndpoint()
	data := EncodeInfoAck(endpoint)
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != TypeInfoAck {
		t.Errorf("unexpected type: 0x%02x", p.Type)
	}
	if !p.HasEndpoint || p.Endpoint != endpoint {
		t.Errorf("endpoint mismatch: got %x", p.Endpoint)
	}
}

func TestDecodeHandshakeEndpoint(t *testing.T) {
	endpoint := [EndpointSize]byte{0x38, 0xe8, 0xcf, 0x46, 0x00}
	data := EncodeHandshake(endpoint, 0x03)
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != TypeHandshake {
		t.Errorf("unexpected type: 0x%02x", p.Type)
	}
	if !p.HasEndpoint {
		t.Fatal("expected handshake endpoint to be populated")
	}
	if p.Endpoint != endpoint {
		t.Errorf("endpoint mismatch: got %x want %x", p.Endpoint, endpoint)
	}
	// The generic offset-5 extraction would wrongly include the auth byte;
	// the handshake special case must not fall back to it.
	generic, err := ExtractEndpoint(data)
	if err != nil {
		t.Fatalf("ExtractEndpoint: %v", err)
	}
	if generic == endpoint {
		t.Fatal("generic offset-5 extraction should differ from the handshake endpoint in this test")
	}
}

func TestDecodeDataChannelRoundTrip(t *testing.T) {
	endpoint := testEndpoint()
	payload := []byte{0xf8, 0xd0, 0x0d, 0x00, 0x0a, 0x01}
	data := EncodeDataChannel(endpoint, 0x5600, payload)

	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != TypeDataChannel {
		t.Errorf("unexpected type: 0x%02x", p.Type)
	}
	if !p.HasEndpoint || p.Endpoint != endpoint {
		t.Errorf("endpoint mismatch: got %x", p.Endpoint)
	}
	if !p.HasMsgID || p.MsgID != 0x5600 {
		t.Errorf("msg_id mismatch: got 0x%04x", p.MsgID)
	}
	if !bytes.Equal(p.FramedPayload, payload) {
		t.Errorf("payload mismatch: got % x want % x", p.FramedPayload, payload)
	}
}

func TestDecodeStatusBroadcastRoundTrip(t *testing.T) {
	endpoint := testEndpoint()
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	data := EncodeStatusBroadcast(endpoint, 0x0001, payload)

	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if p.Type != TypeStatusBroadcast {
		t.Errorf("unexpected type: 0x%02x", p.Type)
	}
	if !bytes.Equal(p.FramedPayload, payload) {
		t.Errorf("payload mismatch: got % x want % x", p.FramedPayload, payload)
	}
}

func TestDecodeInvalidChecksum(t *testing.T) {
	endpoint := testEndpoint()
	data := EncodeDataChannel(endpoint, 1, []byte{0xAA, 0xBB})

	// Corrupt the checksum byte (immediately before the closing marker).
	corrupted := append([]byte(nil), data...)
	corrupted[len(corrupted)-2] ^= 0xFF

	_, err := Decode(corrupted)
	if err == nil {
		t.Fatal("expected an error for a corrupted checksum")
	}
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if de.Reason != ReasonInvalidChecksum {
		t.Errorf("expected %s, got %s", ReasonInvalidChecksum, de.Reason)
	}
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode([]byte{0x73, 0x00})
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if de.Reason != ReasonTooShort {
		t.Errorf("expected %s, got %s", ReasonTooShort, de.Reason)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	data := []byte{0xFF, 0x00, 0x00, 0x00, 0x00}
	_, err := Decode(data)
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if de.Reason != ReasonUnknownType {
		t.Errorf("expected %s, got %s", ReasonUnknownType, de.Reason)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	data := EncodeHeartbeat()
	data = append(data, 0x00) // one extra byte, data_length still claims 0
	_, err := Decode(data)
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if de.Reason != ReasonLengthMismatch {
		t.Errorf("expected %s, got %s", ReasonLengthMismatch, de.Reason)
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	endpoint := testEndpoint()
	data := EncodeDataChannel(endpoint, 1, []byte{0x01})
	// Blow away the closing marker.
	data[len(data)-1] = 0x00
	_, err := Decode(data)
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if de.Reason != ReasonMalformedFrame {
		t.Errorf("expected %s, got %s", ReasonMalformedFrame, de.Reason)
	}
}

// Endpoint bytes that happen to equal the frame marker must not mis-anchor
// the search for the opening 0x7E: the search begins at offset 12, past
// the endpoint and msg_id fields.
func TestFrameSearchSkipsEndpointMarkerByte(t *testing.T) {
	endpoint := [EndpointSize]byte{0x7E, 0x7E, 0x7E, 0x7E, 0x7E}
	data := EncodeDataChannel(endpoint, 0x1234, []byte{0x01, 0x02})

	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed with marker-colliding endpoint: %v", err)
	}
	if p.Endpoint != endpoint {
		t.Errorf("endpoint mismatch: got %x want %x", p.Endpoint, endpoint)
	}
}

func TestExtractEndpointTooShort(t *testing.T) {
	_, err := ExtractEndpoint([]byte{0x73, 0x00})
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != ReasonTooShort {
		t.Fatalf("expected too_short, got %v", err)
	}
}

func TestExtractMsgID(t *testing.T) {
	endpoint := testEndpoint()
	data := EncodeDataAck(endpoint, 0xBEEF)
	id, err := ExtractMsgID(data)
	if err != nil {
		t.Fatalf("ExtractMsgID failed: %v", err)
	}
	if id != 0xBEEF {
		t.Errorf("expected 0xBEEF, got 0x%04x", id)
	}
}

func TestTypeName(t *testing.T) {
	cases := map[byte]string{
		TypeHandshake:       "HANDSHAKE",
		TypeHelloAck:        "HELLO_ACK",
		TypeDeviceInfo:      "DEVICE_INFO",
		TypeInfoAck:         "INFO_ACK",
		TypeDataChannel:     "DATA_CHANNEL",
		TypeDataAck:         "DATA_ACK",
		TypeStatusBroadcast: "STATUS_BROADCAST",
		TypeStatusAck:       "STATUS_ACK",
		TypeHeartbeat:       "HEARTBEAT",
		TypeHeartbeatAck:    "HEARTBEAT_ACK",
	}
	for typ, want := range cases {
		if got := TypeName(typ); got != want {
			t.Errorf("TypeName(0x%02x) = %q, want %q", typ, got, want)
		}
	}
	if got := TypeName(0xAA); got != "UNKNOWN(0xaa)" {
		t.Errorf("TypeName(0xAA) = %q", got)
	}
}
