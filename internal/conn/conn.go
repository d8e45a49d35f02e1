// Package conn implements the Connection and its Connection State Machine
// (spec §3, §4.4): the authoritative per-TCP-connection record, its
// Framer and Reliable Transport, and the reader/writer/heartbeat-sweeper
// task set spec §5 assigns to each accepted connection.
package conn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cync-lan/cyncd/internal/config"
	"github.com/cync-lan/cyncd/internal/framer"
	"github.com/cync-lan/cyncd/internal/logging"
	"github.com/cync-lan/cyncd/internal/protocol"
	"github.com/cync-lan/cyncd/internal/transport"
)

// State is one node of the Connection State Machine: Accepted ->
// Handshaking -> Operational -> Closing/Stale -> Closed.
type State int

const (
	StateAccepted State = iota
	StateHandshaking
	StateOperational
	StateClosing
	StateStale
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOperational:
		return "OPERATIONAL"
	case StateClosing:
		return "CLOSING"
	case StateStale:
		return "STALE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrorKind distinguishes why a Connection was torn down abnormally: a
// handshake that never arrived, or a protocol violation in any state.
type ErrorKind int

const (
	ErrHandshakeTimeout ErrorKind = iota
	ErrProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case ErrHandshakeTimeout:
		return "handshake_timeout"
	case ErrProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Error is the typed error a Connection's Run returns on an abnormal exit.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conn: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("conn: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Default tunables, overridden by Config from internal/config's Options.
const (
	DefaultHandshakeWindow = 2 * time.Second
	DefaultMaxPacketSize   = 4096
	DefaultOutboundQueue   = 200
	DefaultSweepInterval   = time.Second
)

// Router is how a Connection hands routed events up to the rest of the
// southbound core (the Bridge Registry and Dispatcher), without importing
// them directly and creating an import cycle.
type Router interface {
	// HandshakeComplete is called once a valid HANDSHAKE has been decoded.
	// Returning an error aborts the connection before it reaches
	// Operational (e.g. the Registry found a conflicting admission rule).
	HandshakeComplete(c *Connection, endpoint [protocol.EndpointSize]byte) error
	// RoutePacket is called for every decoded packet the Reliable
	// Transport did not itself consume as an ACK or drop as a mesh-level
	// duplicate (status broadcasts,
	// device info, heartbeats, and any other unframed traffic).
	RoutePacket(c *Connection, pkt *protocol.Packet)
	// Closed is called once, when the Connection reaches StateClosed.
	Closed(c *Connection)
}

// Metrics is the observability surface a Connection and the Reliable
// Transport it owns report to; internal/metrics implements it. A nil
// Metrics (the zero Config) discards everything — every call site guards
// it, the same convention internal/transport uses for its own Recorder.
type Metrics interface {
	transport.Recorder
	ConnectionOpened()
	ConnectionClosed()
	DecodeError()
	ChecksumError()
}

// Config configures a Connection. Conn is the already-TLS-handshaken
// socket; Options supplies the tunables from internal/config.
type Config struct {
	Conn    net.Conn
	Logger  *logging.Logger
	Router  Router
	Options config.Options
	Metrics Metrics

	// HandshakeWindow overrides DefaultHandshakeWindow; zero keeps the
	// default. Exposed mainly so tests don't need to wait 2 real seconds.
	HandshakeWindow time.Duration
}

// Connection is the authoritative per-TCP-connection record (spec §3).
type Connection struct {
	conn    net.Conn
	logger  *logging.Logger
	router  Router
	metrics Metrics

	framer    *framer.Framer
	transport *transport.Transport

	handshakeWindow time.Duration
	outboundQueue   chan []byte

	mu          sync.RWMutex
	state       State
	endpoint    [protocol.EndpointSize]byte
	hasEndpoint bool

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New creates a Connection in the Accepted state. Call Run to drive it.
func New(cfg Config) *Connection {
	maxPacketSize := cfg.Options.MaxPacketSize
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	queueSize := cfg.Options.RecvQueueSize
	if queueSize <= 0 {
		queueSize = DefaultOutboundQueue
	}

	handshakeWindow := cfg.HandshakeWindow
	if handshakeWindow <= 0 {
		handshakeWindow = DefaultHandshakeWindow
	}

	c := &Connection{
		conn:            cfg.Conn,
		logger:          cfg.Logger,
		router:          cfg.Router,
		metrics:         cfg.Metrics,
		framer:          framer.New(maxPacketSize),
		handshakeWindow: handshakeWindow,
		outboundQueue:   make(chan []byte, queueSize),
		state:           StateAccepted,
		doneCh:          make(chan struct{}),
	}

	c.transport = transport.New(transport.Config{
		Writer:            c,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		AckTimeout:        time.Duration(cfg.Options.AckTimeoutMS) * time.Millisecond,
		AckRetries:        cfg.Options.AckRetries,
		HeartbeatInterval: time.Duration(cfg.Options.HeartbeatIntervalS) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Options.HeartbeatTimeoutS) * time.Second,
	})

	return c
}

// State returns the Connection's current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Endpoint returns the bridge endpoint learned from the handshake, if any.
func (c *Connection) Endpoint() ([protocol.EndpointSize]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint, c.hasEndpoint
}

// RemoteAddr returns the underlying socket's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Transport exposes the Connection's Reliable Transport, for the
// Dispatcher to call SendReliable on.
func (c *Connection) Transport() *transport.Transport { return c.transport }

// WritePacket implements transport.Writer: it queues data for the writer
// task. A full queue blocks the caller, matching spec §5's backpressure
// policy (BLOCK the producer rather than drop).
func (c *Connection) WritePacket(data []byte) error {
	select {
	case c.outboundQueue <- data:
		return nil
	case <-c.doneCh:
		return io.ErrClosedPipe
	}
}

// Run drives the Connection's full lifecycle: it blocks until the
// connection closes, for any reason; cancelling ctx closes the socket.
// It returns nil on peer EOF or cancellation, a *Error on a handshake
// timeout or a protocol violation (in any state), and otherwise the
// socket error that ended the read side.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		c.shutdown()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.sweeperLoop(ctx)
	}()

	err := c.readerLoop(ctx, cancel)

	cancel()
	c.shutdown()
	wg.Wait()

	_, hadEndpoint := c.Endpoint()
	c.setState(StateClosed)
	if hadEndpoint && c.metrics != nil {
		c.metrics.ConnectionClosed()
	}
	if c.router != nil {
		c.router.Closed(c)
	}
	return err
}

// shutdown tears down the socket and fails every outstanding Pending Send.
// Safe to call more than once.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.doneCh)
		c.transport.FailAll()
		_ = c.conn.Close()
	})
}

func (c *Connection) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outboundQueue:
			if _, err := c.conn.Write(data); err != nil {
				if c.logger != nil {
					c.logger.Debug("conn: write to %s failed: %v", c.conn.RemoteAddr(), err)
				}
				return
			}
		}
	}
}

// sweeperLoop periodically checks the Reliable Transport's liveness
// tracking and transitions Operational -> Stale -> Closed on heartbeat
// miss, per spec §4.4. While Operational it also emits a HEARTBEAT every
// heartbeat interval.
func (c *Connection) sweeperLoop(ctx context.Context) {
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(c.transport.HeartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if c.State() == StateOperational {
				go func() { _ = c.transport.Heartbeat(ctx) }()
			}
		case <-ticker.C:
			if c.State() != StateOperational {
				continue
			}
			if c.transport.Stale() {
				if c.logger != nil {
					c.logger.Warn("conn: %s heartbeat timeout, marking stale", c.conn.RemoteAddr())
				}
				c.setState(StateStale)
				c.shutdown()
				return
			}
		}
	}
}

// readerLoop owns the socket read side: it feeds raw bytes to the Framer,
// decodes complete packets, and drives the state machine.
func (c *Connection) readerLoop(ctx context.Context, cancel context.CancelFunc) error {
	buf := make([]byte, 4096)

	handshakeDeadline := time.Now().Add(c.handshakeWindow)
	c.setState(StateHandshaking)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if c.State() == StateHandshaking {
			_ = c.conn.SetReadDeadline(handshakeDeadline)
		} else {
			_ = c.conn.SetReadDeadline(time.Time{})
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() && c.State() == StateHandshaking {
				return &Error{Kind: ErrHandshakeTimeout}
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		pkts, ferr := c.framer.Feed(buf[:n])
		decoded := make([]*protocol.Packet, 0, len(pkts))
		for _, raw := range pkts {
			pkt, derr := protocol.Decode(raw)
			if derr != nil {
				if c.logger != nil {
					c.logger.Debug("conn: decode error from %s: %v", c.conn.RemoteAddr(), derr)
				}
				if c.metrics != nil {
					if de, ok := derr.(*protocol.DecodeError); ok && de.Reason == protocol.ReasonInvalidChecksum {
						c.metrics.ChecksumError()
					} else {
						c.metrics.DecodeError()
					}
				}
				continue
			}
			decoded = append(decoded, pkt)
		}

		if err := c.handlePackets(decoded); err != nil {
			return err
		}

		if ferr != nil {
			if c.logger != nil {
				c.logger.Debug("conn: framing error from %s: %v", c.conn.RemoteAddr(), ferr)
			}
			return &Error{Kind: ErrProtocolViolation, Err: ferr}
		}
	}
}

func (c *Connection) handlePackets(pkts []*protocol.Packet) error {
	if len(pkts) == 0 {
		return nil
	}

	if c.State() == StateHandshaking {
		first := pkts[0]
		if first.Type != protocol.TypeHandshake || !first.HasEndpoint {
			return &Error{Kind: ErrProtocolViolation, Err: fmt.Errorf("expected HANDSHAKE, got %s", protocol.TypeName(first.Type))}
		}
		if err := c.completeHandshake(first.Endpoint); err != nil {
			return err
		}
		pkts = pkts[1:]
	}

	for _, pkt := range pkts {
		if pkt.Type == protocol.TypeHandshake {
			return &Error{Kind: ErrProtocolViolation, Err: fmt.Errorf("unexpected HANDSHAKE outside Handshaking state")}
		}
	}

	routed := c.transport.HandleBatch(pkts)
	for _, pkt := range routed {
		c.respondTo(pkt)
		if c.router != nil {
			c.router.RoutePacket(c, pkt)
		}
	}
	return nil
}

func (c *Connection) completeHandshake(endpoint [protocol.EndpointSize]byte) error {
	if c.router != nil {
		if err := c.router.HandshakeComplete(c, endpoint); err != nil {
			return &Error{Kind: ErrProtocolViolation, Err: err}
		}
	}

	c.mu.Lock()
	c.endpoint = endpoint
	c.hasEndpoint = true
	c.mu.Unlock()
	c.setState(StateOperational)
	if c.metrics != nil {
		c.metrics.ConnectionOpened()
	}

	return c.WritePacket(protocol.EncodeHelloAck())
}

// respondTo sends the immediate, passive reply the Connection State
// Machine owes each routed packet type, independent of anything the
// Router does with it.
func (c *Connection) respondTo(pkt *protocol.Packet) {
	var reply []byte
	switch pkt.Type {
	case protocol.TypeDeviceInfo:
		reply = protocol.EncodeInfoAck(pkt.Endpoint)
	case protocol.TypeStatusBroadcast:
		reply = protocol.EncodeStatusAck(pkt.Endpoint)
	case protocol.TypeHeartbeat:
		reply = protocol.EncodeHeartbeatAck()
	default:
		return
	}
	if err := c.WritePacket(reply); err != nil && c.logger != nil {
		c.logger.Debug("conn: failed to queue %s reply: %v", protocol.TypeName(pkt.Type), err)
	}
}

// Close initiates a graceful shutdown: spec §4.4's Closing state. The
// writer task gets up to closeDrainWindow to drain the outbound queue
// best-effort before the socket is closed; Run joins on the writer
// before returning.
func (c *Connection) Close() {
	c.setState(StateClosing)
	const closeDrainWindow = 100 * time.Millisecond
	deadline := time.Now().Add(closeDrainWindow)
	for len(c.outboundQueue) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.shutdown()
}
