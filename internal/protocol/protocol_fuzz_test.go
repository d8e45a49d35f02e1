package protocol

import "testing"

func FuzzDecode(f *testing.F) {
	endpoint := testEndpoint()
	f.Add(EncodeHeartbeat())
	f.Add(EncodeHeartbeatAck())
	f.Add(EncodeHelloAck())
	f.Add(EncodeDataAck(endpoint, 1))
	f.Add(EncodeDataChannel(endpoint, 1, []byte{0x01, 0x02, 0x03}))
	f.Add(EncodeStatusBroadcast(endpoint, 1, []byte{0x01}))
	f.Add([]byte{0xFF, 0x00, 0x00, 0x00, 0x00}) // unknown type
	f.Add([]byte{0x73})                         // too short

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must never panic, regardless of input.
		_, _ = Decode(data)
	})
}

func FuzzEncodeDecodeDataChannelRoundTrip(f *testing.F) {
	endpoint := testEndpoint()
	f.Add(endpoint[:], uint16(1), []byte{0x01, 0x02})
	f.Add(endpoint[:], uint16(0xFFFF), []byte{})

	f.Fuzz(func(t *testing.T, endpointBytes []byte, msgID uint16, payload []byte) {
		if len(endpointBytes) != EndpointSize {
			return
		}
		if len(payload) > 4096 {
			return
		}
		var ep [EndpointSize]byte
		copy(ep[:], endpointBytes)

		data := EncodeDataChannel(ep, msgID, payload)
		p, err := Decode(data)
		if err != nil {
			t.Fatalf("decode failed after successful encode: %v", err)
		}
		if p.MsgID != msgID {
			t.Fatalf("msg_id mismatch: got 0x%04x want 0x%04x", p.MsgID, msgID)
		}
		if len(p.FramedPayload) != len(payload) {
			t.Fatalf("payload length mismatch: got %d want %d", len(p.FramedPayload), len(payload))
		}
	})
}
