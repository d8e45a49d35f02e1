// Package transport implements the Reliable Transport (spec §4.3): the
// layer between "a packet arrived on this connection" and "the connection
// state machine or registry sees a logical event," and between "the
// dispatcher wants to send" and "the transmission resolved." One Transport
// is owned by exactly one Connection.
package transport

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/cync-lan/cyncd/internal/logging"
	"github.com/cync-lan/cyncd/internal/protocol"
)

// Default tunables, overridden by internal/config's Options.
const (
	DefaultAckTimeout        = 128 * time.Millisecond
	DefaultAckRetries        = 3
	DefaultHeartbeatInterval = 60 * time.Second
)

// Recorder receives transport-level observability events. A nil Recorder
// is valid; every call site guards it. internal/metrics implements this.
type Recorder interface {
	ObserveAckLatency(d time.Duration)
	AckTimeout()
	AckUnmatched()
	DuplicateDropped()
}

// Writer delivers an already-framed packet's wire bytes to the peer. The
// Connection's writer task implements this, typically by pushing onto a
// bounded outbound queue.
type Writer interface {
	WritePacket(data []byte) error
}

// Config configures a Transport. Zero values fall back to the package
// defaults.
type Config struct {
	Writer            Writer
	Logger            *logging.Logger
	Metrics           Recorder
	AckTimeout        time.Duration
	AckRetries        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DedupSize         int
	DedupTTL          time.Duration
}

// SendOutcome is the result of a successfully-ACKed send.
type SendOutcome struct {
	// Compound is true when a 0x73 status update immediately preceded the
	// ACK that resolved this send, per the spec's compound-response rule.
	Compound bool
	// StatusPayload is the preceding status update's framed payload, only
	// set when Compound is true.
	StatusPayload []byte
	// AckPayload is the resolving ACK packet's payload (bytes past the
	// common header).
	AckPayload []byte
}

type sendResult struct {
	outcome SendOutcome
	err     error
}

// pendingSend is one in-flight command awaiting ACK (spec §3 "Pending
// Send"). msg_id-keyed sends (expecting 0x7B) live in Transport.byMsgID;
// FIFO sends (expecting 0x28/0x88/0xD8, which carry no msg_id) live in
// Transport.fifoByType.
type pendingSend struct {
	msgID        uint16
	expectedAck  byte
	encode       func(msgID uint16) []byte
	sentAt       time.Time
	attemptsLeft int
	resultCh     chan sendResult
	commandID    xid.ID
}

// usesMsgID reports whether acks of this type carry a msg_id the
// Transport can match directly, as opposed to FIFO matching.
func usesMsgID(ackType byte) bool {
	return ackType == protocol.TypeDataAck
}

// Transport implements one connection's Reliable Transport: send-path
// retries and ACK matching, receive-path dedup and ACK routing, and
// heartbeat liveness tracking.
type Transport struct {
	writer  Writer
	logger  *logging.Logger
	metrics Recorder

	ackTimeout        time.Duration
	ackRetries        int
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	mu            sync.Mutex
	seq           uint16
	byMsgID       map[uint16]*pendingSend
	fifoByType    map[byte][]*pendingSend
	pendingStatus map[uint16]*protocol.Packet
	closed        bool

	dedup   *dedupCache
	latency *latencyWindow

	lastActivityMu sync.Mutex
	lastActivity   time.Time
}

// New creates a Transport for one connection, with a random starting
// msg_id per the spec's "random-offset start per connection" rule.
func New(cfg Config) *Transport {
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	ackRetries := cfg.AckRetries
	if ackRetries <= 0 {
		ackRetries = DefaultAckRetries
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 3 * ackTimeout
		if heartbeatTimeout < 10*time.Second {
			heartbeatTimeout = 10 * time.Second
		}
	}

	return &Transport{
		writer:            cfg.Writer,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		ackTimeout:        ackTimeout,
		ackRetries:        ackRetries,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		seq:               uint16(rand.IntN(1 << 16)),
		byMsgID:           make(map[uint16]*pendingSend),
		fifoByType:        make(map[byte][]*pendingSend),
		pendingStatus:     make(map[uint16]*protocol.Packet),
		dedup:             newDedupCache(cfg.DedupSize, cfg.DedupTTL),
		latency:           newLatencyWindow(256),
		lastActivity:      time.Now(),
	}
}

// HeartbeatInterval returns the configured heartbeat emission interval.
func (t *Transport) HeartbeatInterval() time.Duration { return t.heartbeatInterval }

// LatencyP99 returns the rolling p99 observed ACK latency, for the
// ack-timeout-tuning diagnostic. It never feeds back into AckTimeout.
func (t *Transport) LatencyP99() time.Duration { return t.latency.p99() }

// RecordActivity marks the connection as having seen peer traffic just
// now; any inbound packet counts as liveness, not only HEARTBEAT.
func (t *Transport) RecordActivity() {
	t.lastActivityMu.Lock()
	t.lastActivity = time.Now()
	t.lastActivityMu.Unlock()
}

// Idle returns how long it has been since the last observed peer traffic.
func (t *Transport) Idle() time.Duration {
	t.lastActivityMu.Lock()
	defer t.lastActivityMu.Unlock()
	return time.Since(t.lastActivity)
}

// Stale reports whether the connection has exceeded heartbeat_timeout
// without any peer traffic.
func (t *Transport) Stale() bool {
	return t.Idle() > t.heartbeatTimeout
}

func (t *Transport) nextMsgIDLocked() uint16 {
	id := t.seq
	t.seq++
	return id
}

// send writes ps's packet, assigning and registering a msg_id (for
// msg_id-matched ACK types) or appending to the FIFO queue (for the rest).
func (t *Transport) send(ps *pendingSend) error {
	t.mu.Lock()
	var msgID uint16
	if usesMsgID(ps.expectedAck) {
		msgID = t.nextMsgIDLocked()
		ps.msgID = msgID
		t.byMsgID[msgID] = ps
	} else {
		t.fifoByType[ps.expectedAck] = append(t.fifoByType[ps.expectedAck], ps)
	}
	ps.sentAt = time.Now()
	t.mu.Unlock()

	return t.writer.WritePacket(ps.encode(msgID))
}

// retry re-sends ps's packet without re-registering it (it's already
// tracked in byMsgID or the FIFO queue from the first send).
func (t *Transport) retry(ps *pendingSend) error {
	t.mu.Lock()
	ps.sentAt = time.Now()
	t.mu.Unlock()
	return t.writer.WritePacket(ps.encode(ps.msgID))
}

// cancel removes ps from whichever tracking structure holds it. Used on
// context cancellation and final timeout.
func (t *Transport) cancel(ps *pendingSend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if usesMsgID(ps.expectedAck) {
		delete(t.byMsgID, ps.msgID)
		return
	}
	q := t.fifoByType[ps.expectedAck]
	for i, other := range q {
		if other == ps {
			t.fifoByType[ps.expectedAck] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// deliver resolves ps with the given outcome/error, non-blocking (the
// result channel is buffered to 1, and each pendingSend is delivered to
// exactly once).
func (t *Transport) deliver(ps *pendingSend, outcome SendOutcome, err error) {
	if err == nil {
		if t.metrics != nil {
			t.metrics.ObserveAckLatency(time.Since(ps.sentAt))
		}
		t.latency.observe(time.Since(ps.sentAt))
	}
	select {
	case ps.resultCh <- sendResult{outcome: outcome, err: err}:
	default:
	}
}

// SendReliable implements send_reliable: produce a fresh msg_id (where
// applicable), record a Pending Send, write the framed packet, and await
// the matching ACK, retrying on timeout up to ackRetries additional times.
// encode is called with the assigned msg_id each time the packet is
// (re)transmitted, so callers close over their payload/endpoint and let
// the Transport own msg_id assignment.
func (t *Transport) SendReliable(ctx context.Context, encode func(msgID uint16) []byte, expectedAck byte) (SendOutcome, error) {
	ps := &pendingSend{
		expectedAck:  expectedAck,
		encode:       encode,
		resultCh:     make(chan sendResult, 1),
		commandID:    xid.New(),
		attemptsLeft: t.ackRetries,
	}

	if err := t.send(ps); err != nil {
		t.cancel(ps)
		return SendOutcome{}, err
	}

	timer := time.NewTimer(t.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			t.cancel(ps)
			return SendOutcome{}, ctx.Err()

		case res := <-ps.resultCh:
			return res.outcome, res.err

		case <-timer.C:
			if ps.attemptsLeft <= 0 {
				t.cancel(ps)
				if t.metrics != nil {
					t.metrics.AckTimeout()
				}
				return SendOutcome{}, &Error{Kind: ErrAckTimeout}
			}
			ps.attemptsLeft--
			if err := t.retry(ps); err != nil {
				t.cancel(ps)
				return SendOutcome{}, err
			}
			timer.Reset(t.ackTimeout)
		}
	}
}

// Heartbeat sends a HEARTBEAT and awaits the HEARTBEAT_ACK, using the same
// retry/timeout machinery as any other reliable send.
func (t *Transport) Heartbeat(ctx context.Context) error {
	_, err := t.SendReliable(ctx, func(uint16) []byte { return protocol.EncodeHeartbeat() }, protocol.TypeHeartbeatAck)
	return err
}

// HandleBatch processes every packet decoded from a single Framer.Feed
// call (so that a compound response, which arrives in one TCP read, is
// visible as adjacent packets). It performs dedup and ACK matching;
// packets not consumed as ACKs are returned for the caller (the Connection)
// to route to the state machine or Bridge Registry.
func (t *Transport) HandleBatch(pkts []*protocol.Packet) []*protocol.Packet {
	t.RecordActivity()

	routed := make([]*protocol.Packet, 0, len(pkts))
	for i, pkt := range pkts {
		if t.dedup.seen(pkt) {
			if t.metrics != nil {
				t.metrics.DuplicateDropped()
			}
			continue
		}

		switch pkt.Type {
		case protocol.TypeDataChannel:
			if pkt.HasMsgID {
				t.mu.Lock()
				t.pendingStatus[pkt.MsgID] = pkt
				t.mu.Unlock()
			}
			routed = append(routed, pkt)
		case protocol.TypeDataAck:
			if !t.resolveByMsgID(pkt, i, pkts) && pkt.HasEndpoint {
				// Unmatched: not a response to one of our own pending sends,
				// so it's unsolicited bridge traffic. Still reveals mesh
				// membership, same as a 0x73 (spec: "the first time a 0x73
				// or 0x7B on a connection reveals its mesh id").
				routed = append(routed, pkt)
			}
		case protocol.TypeHelloAck, protocol.TypeStatusAck, protocol.TypeHeartbeatAck:
			t.resolveFIFO(pkt)
		default:
			routed = append(routed, pkt)
		}
	}
	return routed
}

// resolveByMsgID matches pkt (a DATA_ACK) against a Pending Send by msg_id.
// It reports whether a match was found; an unmatched DATA_ACK is not one of
// ours and is left for the caller to route instead (it may still be
// unsolicited bridge traffic worth observing, e.g. for mesh membership).
//
// Compound-response detection (a 0x73 immediately followed by the 0x7B
// sharing its msg_id) checks the in-batch predecessor first, then falls
// back to pendingStatus: the 36-byte compound response can split across
// two TCP reads, landing the 0x73 in an earlier HandleBatch call than its
// 0x7B, so the 0x73 side is remembered per msg_id until consumed.
func (t *Transport) resolveByMsgID(pkt *protocol.Packet, idx int, batch []*protocol.Packet) bool {
	t.mu.Lock()
	ps, ok := t.byMsgID[pkt.MsgID]
	if ok {
		delete(t.byMsgID, pkt.MsgID)
	}
	status, hasStatus := t.pendingStatus[pkt.MsgID]
	if hasStatus {
		delete(t.pendingStatus, pkt.MsgID)
	}
	t.mu.Unlock()

	if !ok {
		if t.logger != nil {
			t.logger.Debug("transport: DATA_ACK with unmatched msg_id %d routed as unsolicited", pkt.MsgID)
		}
		if t.metrics != nil {
			t.metrics.AckUnmatched()
		}
		return false
	}

	outcome := SendOutcome{AckPayload: pkt.Data}
	if idx > 0 {
		if prev := batch[idx-1]; prev.Type == protocol.TypeDataChannel && prev.HasMsgID && prev.MsgID == pkt.MsgID {
			outcome.Compound = true
			outcome.StatusPayload = prev.FramedPayload
		}
	}
	if !outcome.Compound && hasStatus {
		outcome.Compound = true
		outcome.StatusPayload = status.FramedPayload
	}
	t.deliver(ps, outcome, nil)
	return true
}

func (t *Transport) resolveFIFO(pkt *protocol.Packet) {
	t.mu.Lock()
	q := t.fifoByType[pkt.Type]
	var ps *pendingSend
	if len(q) > 0 {
		ps = q[0]
		t.fifoByType[pkt.Type] = q[1:]
	}
	t.mu.Unlock()

	if ps == nil {
		if t.logger != nil {
			t.logger.Debug("transport: unexpected %s with no outstanding send dropped", protocol.TypeName(pkt.Type))
		}
		return
	}
	t.deliver(ps, SendOutcome{AckPayload: pkt.Data}, nil)
}

// FailAll resolves every outstanding Pending Send with connection_lost, for
// use when the connection leaves the Operational state. Safe to call more
// than once.
func (t *Transport) FailAll() {
	t.mu.Lock()
	all := make([]*pendingSend, 0, len(t.byMsgID))
	for msgID, ps := range t.byMsgID {
		all = append(all, ps)
		delete(t.byMsgID, msgID)
	}
	for ackType, q := range t.fifoByType {
		all = append(all, q...)
		t.fifoByType[ackType] = nil
	}
	t.closed = true
	t.mu.Unlock()

	for _, ps := range all {
		t.deliver(ps, SendOutcome{}, &Error{Kind: ErrConnectionLost})
	}
}
