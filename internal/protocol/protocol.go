// Package protocol implements the Cync/C-by-GE bridge wire protocol: the
// ten known packet types, their framing/checksum rules, and the encoders
// the southbound core uses to talk back to a bridge. It is pure functions
// over byte slices — no I/O, no connection state.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet type codes, fixed by the cloud protocol.
const (
	TypeHandshake       byte = 0x23 // HANDSHAKE: bridge -> server, first packet on a connection
	TypeHelloAck        byte = 0x28 // HELLO_ACK: server -> bridge, accepts the handshake
	TypeDeviceInfo      byte = 0x43 // DEVICE_INFO: bridge -> server
	TypeInfoAck         byte = 0x48 // INFO_ACK: server -> bridge
	TypeDataChannel     byte = 0x73 // DATA_CHANNEL: framed, mesh status or a command
	TypeDataAck         byte = 0x7B // DATA_ACK: unframed, carries msg_id
	TypeStatusBroadcast byte = 0x83 // STATUS_BROADCAST: framed, per-bridge device status
	TypeStatusAck       byte = 0x88 // STATUS_ACK: server -> bridge
	TypeHeartbeat       byte = 0xD3 // HEARTBEAT: bridge -> server
	TypeHeartbeatAck    byte = 0xD8 // HEARTBEAT_ACK: server -> bridge
)

// Size constants.
const (
	HeaderSize     = 5 // Type(1) + padding(2) + data_length(2, big-endian)
	EndpointSize   = 5 // bytes at offset 5 of most packet types
	MsgIDSize      = 2 // bytes at offset 10, framed types and DATA_ACK only
	FrameMarker    = 0x7E
	FrameSkipBytes = 6 // bytes skipped immediately after the opening marker
)

// DecodeErrorReason enumerates the failure modes of Decode.
type DecodeErrorReason string

const (
	ReasonTooShort        DecodeErrorReason = "too_short"
	ReasonUnknownType     DecodeErrorReason = "unknown_type"
	ReasonLengthMismatch  DecodeErrorReason = "length_mismatch"
	ReasonInvalidChecksum DecodeErrorReason = "invalid_checksum"
	ReasonMalformedFrame  DecodeErrorReason = "malformed_frame"
)

// DecodeError is returned by Decode. It never carries a partial Packet —
// decoding a packet is all-or-nothing.
type DecodeError struct {
	Reason  DecodeErrorReason
	Preview []byte // first bytes of the offending input, for logging
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode failed: %s (preview=% x)", e.Reason, e.Preview)
}

func previewOf(data []byte) []byte {
	n := len(data)
	if n > 16 {
		n = 16
	}
	out := make([]byte, n)
	copy(out, data[:n])
	return out
}

func decodeErr(reason DecodeErrorReason, data []byte) error {
	return &DecodeError{Reason: reason, Preview: previewOf(data)}
}

// knownTypes is the exhaustive set of the ten packet types this protocol
// understands. Anything else decodes as ReasonUnknownType.
var knownTypes = map[byte]bool{
	TypeHandshake:       true,
	TypeHelloAck:        true,
	TypeDeviceInfo:      true,
	TypeInfoAck:         true,
	TypeDataChannel:     true,
	TypeDataAck:         true,
	TypeStatusBroadcast: true,
	TypeStatusAck:       true,
	TypeHeartbeat:       true,
	TypeHeartbeatAck:    true,
}

// IsKnownType reports whether t is one of the ten fixed packet types.
// The Framer uses this as a plausibility check while resynchronizing a
// corrupted stream; Decode uses the same set to reject anything else.
func IsKnownType(t byte) bool {
	return knownTypes[t]
}

// isFramed reports whether a packet type carries 0x7E markers and a
// mod-256 checksum.
func isFramed(t byte) bool {
	return t == TypeDataChannel || t == TypeStatusBroadcast
}

// hasMsgID reports whether a packet type carries a 2-byte msg_id at
// offset 10.
func hasMsgID(t byte) bool {
	return t == TypeDataChannel || t == TypeStatusBroadcast || t == TypeDataAck
}

// Packet is the decoded form of any of the ten known wire types. Not every
// field is populated for every Type.
type Packet struct {
	Type byte
	Raw  []byte // the complete, exact wire bytes this packet was decoded from
	Data []byte // bytes[HeaderSize:] — the on-wire payload, type-specific

	HasEndpoint bool
	Endpoint    [EndpointSize]byte

	HasMsgID bool
	MsgID    uint16

	// FramedPayload holds the checksum-verified inner payload for 0x73/0x83
	// packets (the bytes between the 6 skipped bytes and the checksum byte).
	FramedPayload []byte
}

// TypeName returns a human-readable name for a packet type, or "UNKNOWN(0xNN)".
func TypeName(t byte) string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHelloAck:
		return "HELLO_ACK"
	case TypeDeviceInfo:
		return "DEVICE_INFO"
	case TypeInfoAck:
		return "INFO_ACK"
	case TypeDataChannel:
		return "DATA_CHANNEL"
	case TypeDataAck:
		return "DATA_ACK"
	case TypeStatusBroadcast:
		return "STATUS_BROADCAST"
	case TypeStatusAck:
		return "STATUS_ACK"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", t)
	}
}

// Checksum computes the mod-256 checksum of a framed packet's payload
// region: it locates the first and last 0x7E markers and sums the bytes
// from first+6 up to (but excluding) last-1, the checksum byte itself.
// The search for the first marker begins at offset 12 (past header,
// endpoint, and msg_id) so an endpoint or msg_id byte that happens to
// equal 0x7E can never mis-anchor the frame.
func Checksum(packetBytes []byte) (byte, error) {
	openIdx, closeIdx, err := findMarkers(packetBytes)
	if err != nil {
		return 0, err
	}
	var sum byte
	for _, b := range packetBytes[openIdx+FrameSkipBytes : closeIdx-1] {
		sum += b
	}
	return sum, nil
}

func findMarkers(data []byte) (openIdx, closeIdx int, err error) {
	const searchStart = HeaderSize + EndpointSize + MsgIDSize
	if len(data) < searchStart+2 {
		return 0, 0, decodeErr(ReasonMalformedFrame, data)
	}
	openIdx = -1
	for i := searchStart; i < len(data); i++ {
		if data[i] == FrameMarker {
			openIdx = i
			break
		}
	}
	if openIdx < 0 {
		return 0, 0, decodeErr(ReasonMalformedFrame, data)
	}
	closeIdx = -1
	for i := len(data) - 1; i > openIdx; i-- {
		if data[i] == FrameMarker {
			closeIdx = i
			break
		}
	}
	if closeIdx < 0 || closeIdx-openIdx < FrameSkipBytes+1 {
		return 0, 0, decodeErr(ReasonMalformedFrame, data)
	}
	return openIdx, closeIdx, nil
}

// ExtractEndpoint returns the 5 bytes at offset 5 of any packet, the
// generic endpoint location. It does not apply the HANDSHAKE special case
// (see Decode) — callers wanting the connection's bridge endpoint from a
// handshake packet should use the decoded Packet.Endpoint field instead.
func ExtractEndpoint(data []byte) ([EndpointSize]byte, error) {
	var out [EndpointSize]byte
	if len(data) < HeaderSize+EndpointSize {
		return out, decodeErr(ReasonTooShort, data)
	}
	copy(out[:], data[HeaderSize:HeaderSize+EndpointSize])
	return out, nil
}

// ExtractMsgID returns bytes[10:12] as a big-endian uint16. Only
// meaningful for 0x73, 0x83, and 0x7B; callers must check the type first.
func ExtractMsgID(data []byte) (uint16, error) {
	if len(data) < HeaderSize+EndpointSize+MsgIDSize {
		return 0, decodeErr(ReasonTooShort, data)
	}
	off := HeaderSize + EndpointSize
	return binary.BigEndian.Uint16(data[off : off+2]), nil
}

// Decode parses a complete wire packet (exactly 5+data_length bytes, as
// produced by the Framer) into a Packet. It never returns a partially
// populated Packet: either decoding succeeds fully or it returns a
// *DecodeError.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, decodeErr(ReasonTooShort, data)
	}

	t := data[0]
	if !knownTypes[t] {
		return nil, decodeErr(ReasonUnknownType, data)
	}

	dataLength := binary.BigEndian.Uint16(data[3:5])
	total := HeaderSize + int(dataLength)
	if len(data) != total {
		return nil, decodeErr(ReasonLengthMismatch, data)
	}

	p := &Packet{
		Type: t,
		Raw:  append([]byte(nil), data...),
		Data: append([]byte(nil), data[HeaderSize:]...),
	}

	switch {
	case t == TypeHandshake:
		// The bridge endpoint is learned from the handshake as 4 bytes
		// (offset 6..9) plus an implied 0x00 routing byte, not the
		// generic offset-5 5-byte form used by every other type.
		if len(data) >= HeaderSize+1+4 {
			p.HasEndpoint = true
			copy(p.Endpoint[:4], data[HeaderSize+1:HeaderSize+1+4])
			p.Endpoint[4] = 0x00
		}

	case isFramed(t):
		openIdx, closeIdx, err := findMarkers(data)
		if err != nil {
			return nil, err
		}
		sum, err := Checksum(data)
		if err != nil {
			return nil, err
		}
		if data[closeIdx-1] != sum {
			return nil, decodeErr(ReasonInvalidChecksum, data)
		}
		p.FramedPayload = append([]byte(nil), data[openIdx+1+FrameSkipBytes:closeIdx-1]...)
		if len(data) >= HeaderSize+EndpointSize {
			p.HasEndpoint = true
			copy(p.Endpoint[:], data[HeaderSize:HeaderSize+EndpointSize])
		}

	default:
		if len(data) >= HeaderSize+EndpointSize {
			p.HasEndpoint = true
			copy(p.Endpoint[:], data[HeaderSize:HeaderSize+EndpointSize])
		}
	}

	if hasMsgID(t) {
		if len(data) >= HeaderSize+EndpointSize+MsgIDSize {
			p.HasMsgID = true
			p.MsgID = binary.BigEndian.Uint16(data[HeaderSize+EndpointSize : HeaderSize+EndpointSize+MsgIDSize])
		}
	}

	return p, nil
}

func header(t byte, dataLen int) []byte {
	h := make([]byte, HeaderSize)
	h[0] = t
	binary.BigEndian.PutUint16(h[3:5], uint16(dataLen))
	return h
}

// EncodeHandshake builds a 0x23 HANDSHAKE packet. Used by test fixtures
// and bridge simulators; the server itself only ever decodes these.
func EncodeHandshake(endpoint [EndpointSize]byte, authCode byte) []byte {
	const tailPad = 21 // reconstructs the observed 31-byte wire example
	body := make([]byte, 1+4+tailPad)
	body[0] = authCode
	copy(body[1:5], endpoint[:4])

	return append(header(TypeHandshake, len(body)), body...)
}

// EncodeHelloAck builds the fixed 0x28 HELLO_ACK reply to a handshake.
func EncodeHelloAck() []byte {
	body := []byte{0x00, 0x00}
	return append(header(TypeHelloAck, len(body)), body...)
}

// EncodeInfoAck builds a 0x48 INFO_ACK reply, echoing the bridge endpoint.
func EncodeInfoAck(endpoint [EndpointSize]byte) []byte {
	return append(header(TypeInfoAck, EndpointSize), endpoint[:]...)
}

// EncodeStatusAck builds a 0x88 STATUS_ACK reply, echoing the bridge
// endpoint. No msg_id is present; STATUS_ACK is matched FIFO per ACK type.
func EncodeStatusAck(endpoint [EndpointSize]byte) []byte {
	return append(header(TypeStatusAck, EndpointSize), endpoint[:]...)
}

// EncodeHeartbeat builds the fixed, payload-less 0xD3 HEARTBEAT packet.
func EncodeHeartbeat() []byte {
	return header(TypeHeartbeat, 0)
}

// EncodeHeartbeatAck builds the fixed, payload-less 0xD8 HEARTBEAT_ACK packet.
func EncodeHeartbeatAck() []byte {
	return header(TypeHeartbeatAck, 0)
}

// EncodeDataAck builds a 12-byte 0x7B DATA_ACK: header + endpoint + msg_id.
// Sent alone this is a "pure ACK" (command not applicable / unknown
// device); prepended with a 0x73 status update it forms a compound
// response to a successful command.
func EncodeDataAck(endpoint [EndpointSize]byte, msgID uint16) []byte {
	body := make([]byte, EndpointSize+MsgIDSize)
	copy(body[:EndpointSize], endpoint[:])
	binary.BigEndian.PutUint16(body[EndpointSize:], msgID)
	return append(header(TypeDataAck, len(body)), body...)
}

// EncodeDataChannel builds a framed 0x73 DATA_CHANNEL packet carrying an
// arbitrary payload (a command, for the Dispatcher's use, or a mesh event
// echoed by test fixtures). The 6 bytes skipped by the checksum region are
// zero-filled.
func EncodeDataChannel(endpoint [EndpointSize]byte, msgID uint16, payload []byte) []byte {
	return encodeFramed(TypeDataChannel, endpoint, msgID, payload, true)
}

// EncodeStatusBroadcast builds a framed 0x83 STATUS_BROADCAST packet, as a
// bridge would emit for a mesh status event. Provided for test fixtures
// that simulate bridge traffic.
func EncodeStatusBroadcast(endpoint [EndpointSize]byte, msgID uint16, payload []byte) []byte {
	return encodeFramed(TypeStatusBroadcast, endpoint, msgID, payload, false)
}

func encodeFramed(t byte, endpoint [EndpointSize]byte, msgID uint16, payload []byte, withPadByte bool) []byte {
	skip := make([]byte, FrameSkipBytes)

	inner := make([]byte, 0, 1+FrameSkipBytes+len(payload)+2)
	inner = append(inner, FrameMarker)
	inner = append(inner, skip...)
	inner = append(inner, payload...)

	var sum byte
	for _, b := range skip {
		sum += b
	}
	for _, b := range payload {
		sum += b
	}
	inner = append(inner, sum, FrameMarker)

	body := make([]byte, 0, EndpointSize+MsgIDSize+1+len(inner))
	body = append(body, endpoint[:]...)
	msgIDBytes := make([]byte, MsgIDSize)
	binary.BigEndian.PutUint16(msgIDBytes, msgID)
	body = append(body, msgIDBytes...)
	if withPadByte {
		body = append(body, 0x00)
	}
	body = append(body, inner...)

	return append(header(t, len(body)), body...)
}
