package dispatch

import "encoding/binary"

// actionCodes are the 3-byte DATA_CHANNEL action codes spec §4.6 names
// explicitly. Unrecognized action names are rejected with ErrUnknownAction
// rather than silently forwarded, since an unrecognized code would reach
// a real bridge as garbage.
var actionCodes = map[string][3]byte{
	"power_toggle": {0xf8, 0xd0, 0x0d},
	"set_mode":     {0xf8, 0x8e, 0x0c},
}

// encodePayload builds the body of a 0x73 DATA_CHANNEL command: a 2-byte
// little-endian device id, the action code, then whatever parameter bytes
// the action takes. Spec §4.6 names the device-id and action-code layout
// precisely but leaves "action parameters" unspecified beyond that; this
// takes the single "value" parameter most actions carry (a toggle bit, a
// mode number, a free-form string) and serializes it as the minimal byte
// representation a bridge would expect.
func encodePayload(deviceID uint16, code [3]byte, params map[string]any) []byte {
	payload := make([]byte, 2, 2+len(code)+4)
	binary.LittleEndian.PutUint16(payload, deviceID)
	payload = append(payload, code[:]...)
	payload = append(payload, encodeValue(params)...)
	return payload
}

func encodeValue(params map[string]any) []byte {
	v, ok := params["value"]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case bool:
		if t {
			return []byte{0x01}
		}
		return []byte{0x00}
	case int:
		return []byte{byte(t)}
	case float64: // JSON numbers decode into this via encoding/json
		return []byte{byte(int(t))}
	case string:
		return []byte(t)
	default:
		return nil
	}
}
