// Package framer turns a raw byte stream from a bridge's TCP connection
// into a sequence of complete wire packets. It holds at most one
// in-flight partial packet at a time and never reallocates its buffer
// proportionally to the whole connection lifetime.
package framer

import (
	"encoding/binary"
	"fmt"

	"github.com/cync-lan/cyncd/internal/protocol"
)

// ErrorKind distinguishes the two ways a stream can go out of sync.
type ErrorKind string

const (
	// KindOversize means a header's declared length would exceed the
	// configured ceiling and no nearby resync point was found.
	KindOversize ErrorKind = "oversize"
	// KindCorruptHeader means the framer had to discard bytes and
	// resynchronize on a later offset to keep making progress.
	KindCorruptHeader ErrorKind = "corrupt_header"
)

// FramingError is returned by Feed when the stream cannot be deframed as
// received. The caller (the connection's reader task) decides how to
// react — typically by closing the connection.
type FramingError struct {
	Kind ErrorKind
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framer: framing_error(%s)", e.Kind)
}

// DefaultMaxPacketSize is the spec's default ceiling (MAX_PACKET_SIZE).
const DefaultMaxPacketSize = 4096

// Framer deframes a single connection's byte stream. It is not
// goroutine-safe; callers run one Framer per connection from the
// connection's reader task only.
type Framer struct {
	buf           []byte
	maxPacketSize int
}

// New creates a Framer with the given packet-size ceiling. A zero or
// negative maxPacketSize falls back to DefaultMaxPacketSize.
func New(maxPacketSize int) *Framer {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &Framer{maxPacketSize: maxPacketSize}
}

// Feed appends newly read bytes to the framer's internal buffer and
// returns every complete packet it can now extract, in order. Any
// trailing partial packet is retained for the next Feed call. On a
// *FramingError the framer has already discarded whatever bytes it could
// not resynchronize past; packets returned alongside the error are still
// valid and should be processed.
func (fr *Framer) Feed(data []byte) ([][]byte, error) {
	fr.buf = append(fr.buf, data...)

	var packets [][]byte
	for {
		if len(fr.buf) < protocol.HeaderSize {
			return packets, nil
		}

		total := fr.headerTotal()
		if total > fr.maxPacketSize {
			resynced := fr.resync()
			if resynced {
				return packets, &FramingError{Kind: KindCorruptHeader}
			}
			fr.buf = nil
			return packets, &FramingError{Kind: KindOversize}
		}

		if len(fr.buf) < total {
			return packets, nil
		}

		pkt := make([]byte, total)
		copy(pkt, fr.buf[:total])
		packets = append(packets, pkt)
		fr.buf = fr.buf[total:]
	}
}

// headerTotal reads the 5-byte header at the front of buf and returns the
// total wire size it declares (5 + data_length). Caller must ensure
// len(buf) >= protocol.HeaderSize.
func (fr *Framer) headerTotal() int {
	dataLength := binary.BigEndian.Uint16(fr.buf[3:5])
	return protocol.HeaderSize + int(dataLength)
}

// resync discards leading bytes one at a time, bounded by maxPacketSize
// attempts, looking for an offset whose header declares a total within
// the ceiling. Returns true and leaves buf positioned at that offset if
// found; returns false and empties buf if the bound is exhausted.
func (fr *Framer) resync() bool {
	for attempts := 0; attempts < fr.maxPacketSize; attempts++ {
		if len(fr.buf) < protocol.HeaderSize+1 {
			fr.buf = nil
			return false
		}
		fr.buf = fr.buf[1:]
		if protocol.IsKnownType(fr.buf[0]) && fr.headerTotal() <= fr.maxPacketSize {
			return true
		}
	}
	fr.buf = nil
	return false
}

// Pending reports how many bytes of an incomplete packet are currently
// buffered, for diagnostics and tests.
func (fr *Framer) Pending() int {
	return len(fr.buf)
}

// Reset discards any buffered partial packet, for use when a connection
// is about to be torn down.
func (fr *Framer) Reset() {
	fr.buf = nil
}
