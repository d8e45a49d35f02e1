package transport

import (
	"crypto/sha256"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cync-lan/cyncd/internal/protocol"
)

// DefaultDedupSize bounds the number of fingerprints a connection's dedup
// cache holds at once; far more than one connection ever needs live at a
// time within the TTL window.
const DefaultDedupSize = 512

// DefaultDedupTTL is the eviction window for dedup fingerprints: longer
// than the longest expected retry window, so a legitimate retransmission
// is never mistaken for a duplicate after it expires.
const DefaultDedupTTL = 5 * time.Minute

// fingerprint computes the Dedup Entry key for a packet, following the
// spec's split: mesh-level types (0x73) are fingerprinted by payload hash
// because the same mesh event arrives with distinct msg_ids from every
// bridge in the mesh; device-level types (0x83) are fingerprinted by
// endpoint+msg_id since each bridge reports its own endpoint uniquely.
// The bool return is false for packet types that are never deduplicated.
func fingerprint(pkt *protocol.Packet) (string, bool) {
	switch pkt.Type {
	case protocol.TypeDataChannel:
		sum := sha256.Sum256(pkt.FramedPayload)
		return fmt.Sprintf("%02x:%x", pkt.Type, sum[:16]), true
	case protocol.TypeStatusBroadcast:
		return fmt.Sprintf("%02x:%x:%d", pkt.Type, pkt.Endpoint, pkt.MsgID), true
	default:
		return "", false
	}
}

// dedupCache wraps an expirable LRU keyed by fingerprint.
type dedupCache struct {
	lru *lru.LRU[string, struct{}]
}

func newDedupCache(size int, ttl time.Duration) *dedupCache {
	if size <= 0 {
		size = DefaultDedupSize
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &dedupCache{lru: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

// seen reports whether pkt is a duplicate of one already recorded, and
// records it if not. Packet types that aren't subject to dedup always
// report false.
func (d *dedupCache) seen(pkt *protocol.Packet) bool {
	key, ok := fingerprint(pkt)
	if !ok {
		return false
	}
	if _, found := d.lru.Get(key); found {
		return true
	}
	d.lru.Add(key, struct{}{})
	return false
}
