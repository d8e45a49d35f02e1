// Package registry implements the Bridge Registry (spec §4.5):
// process-wide bookkeeping for every live connection — admission, bridge
// endpoint indexing, mesh membership, and primary-bridge election.
package registry

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/cync-lan/cyncd/internal/conn"
	"github.com/cync-lan/cyncd/internal/protocol"
)

// RejectReason distinguishes why Admit refused a peer, per spec §7's
// admission_refused error and the "admission-reject metrics" supplement.
type RejectReason int

const (
	RejectWhitelist RejectReason = iota
	RejectCap
)

func (r RejectReason) String() string {
	switch r {
	case RejectWhitelist:
		return "whitelist"
	case RejectCap:
		return "cap"
	default:
		return "unknown"
	}
}

// AdmitError is returned by Admit when a peer is refused.
type AdmitError struct {
	Reason RejectReason
}

func (e *AdmitError) Error() string {
	return fmt.Sprintf("registry: admission_refused: %s", e.Reason)
}

// Ticket is returned by a successful Admit and must be released exactly
// once, when the underlying socket finally closes — whether or not it
// ever completed a handshake and became a Bridge Record.
type Ticket struct {
	id xid.ID
}

// MeshID identifies a mesh by its coordinator endpoint, in the same
// opaque 5-byte form every endpoint takes, rendered as a map key.
type MeshID string

func meshIDOf(coordinator [protocol.EndpointSize]byte) MeshID {
	return MeshID(fmt.Sprintf("%x", coordinator))
}

// DecodeMeshID recovers the raw mesh-coordinator endpoint bytes a MeshID
// was derived from. The Dispatcher uses it to check that a roster mesh id
// is well-formed and to refuse a command target equal to the mesh
// coordinator; the DATA_CHANNEL commands it sends carry the target
// bridge's own endpoint, not this one.
func DecodeMeshID(mesh MeshID) ([protocol.EndpointSize]byte, error) {
	var out [protocol.EndpointSize]byte
	raw, err := hex.DecodeString(string(mesh))
	if err != nil || len(raw) != protocol.EndpointSize {
		return out, fmt.Errorf("registry: malformed mesh id %q", mesh)
	}
	copy(out[:], raw)
	return out, nil
}

// Recorder receives the Registry's admission and election events, for
// internal/metrics to expose; a nil Recorder (the default) discards them.
type Recorder interface {
	AdmissionRejected(reason string)
	PrimaryElected(mesh string, endpoint string)
	MeshRemoved(mesh string)
}

type nopRecorder struct{}

func (nopRecorder) AdmissionRejected(string)      {}
func (nopRecorder) PrimaryElected(string, string) {}
func (nopRecorder) MeshRemoved(string)            {}

// Notifier receives bridge connect/disconnect events, for the Northbound
// port (internal/northbound.Port satisfies this directly, since its
// method set is a superset). A nil Notifier discards both events.
type Notifier interface {
	BridgeOnline(endpoint string)
	BridgeOffline(endpoint string)
}

type nopNotifier struct{}

func (nopNotifier) BridgeOnline(string)  {}
func (nopNotifier) BridgeOffline(string) {}

// StatusObserver receives every decoded 0x83 STATUS_BROADCAST the
// Registry itself doesn't need. The Command Dispatcher is the intended
// observer: it owns the per-device offline debounce and the Northbound
// state_update forwarding (spec §4.4, edge case 7), neither of which is
// the Registry's concern.
type StatusObserver interface {
	HandleStatusBroadcast(pkt *protocol.Packet)
}

type nopStatusObserver struct{}

func (nopStatusObserver) HandleStatusBroadcast(*protocol.Packet) {}

func endpointHex(e [protocol.EndpointSize]byte) string {
	return fmt.Sprintf("%x", e)
}

// BridgeRecord is one Registry entry: a live bridge endpoint and the
// Connection that owns it (spec §3 "Bridge Record").
type BridgeRecord struct {
	Endpoint      [protocol.EndpointSize]byte
	Conn          *conn.Connection
	AdmittedAt    time.Time
	MeshID        MeshID
	meshObserved  bool
	LastHeartbeat time.Time
}

// Registry is process-wide; exactly one instance backs the whole server.
type Registry struct {
	mu sync.Mutex

	whitelist  map[string]struct{} // empty means "allow any address"
	maxClients int

	admitted map[xid.ID]struct{}

	byEndpoint  map[[protocol.EndpointSize]byte]*BridgeRecord
	meshBridges map[MeshID][][protocol.EndpointSize]byte // admission-time order
	meshPrimary map[MeshID][protocol.EndpointSize]byte

	metrics  Recorder
	notifier Notifier
	status   StatusObserver
}

// SetRecorder wires a Recorder (internal/metrics, typically) to receive
// admission and election events. Safe to call at any time; a nil rec
// reverts to discarding events.
func (r *Registry) SetRecorder(rec Recorder) {
	if rec == nil {
		rec = nopRecorder{}
	}
	r.mu.Lock()
	r.metrics = rec
	r.mu.Unlock()
}

// SetNotifier wires a Notifier (the Northbound port, typically) to
// receive bridge online/offline events. Safe to call at any time; a nil
// notifier reverts to discarding events.
func (r *Registry) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// SetStatusObserver wires a StatusObserver (the Command Dispatcher,
// typically) to receive every decoded 0x83 STATUS_BROADCAST. Safe to call
// at any time; a nil observer reverts to discarding them.
func (r *Registry) SetStatusObserver(s StatusObserver) {
	if s == nil {
		s = nopStatusObserver{}
	}
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// New creates a Registry. An empty whitelist allows any peer address
// (admission is still subject to maxClients).
func New(whitelist []string, maxClients int) *Registry {
	w := make(map[string]struct{}, len(whitelist))
	for _, addr := range whitelist {
		w[addr] = struct{}{}
	}
	return &Registry{
		whitelist:   w,
		maxClients:  maxClients,
		admitted:    make(map[xid.ID]struct{}),
		byEndpoint:  make(map[[protocol.EndpointSize]byte]*BridgeRecord),
		meshBridges: make(map[MeshID][][protocol.EndpointSize]byte),
		meshPrimary: make(map[MeshID][protocol.EndpointSize]byte),
		metrics:     nopRecorder{},
		notifier:    nopNotifier{},
		status:      nopStatusObserver{},
	}
}

// Admit applies the TCP whitelist and max-connection cap to a peer
// address, before TLS is even attempted. peerAddr is a "host:port" string
// as returned by net.Conn.RemoteAddr().String().
func (r *Registry) Admit(peerAddr string) (Ticket, error) {
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		host = peerAddr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.whitelist) > 0 {
		if _, ok := r.whitelist[host]; !ok {
			r.metrics.AdmissionRejected(RejectWhitelist.String())
			return Ticket{}, &AdmitError{Reason: RejectWhitelist}
		}
	}
	if len(r.admitted) >= r.maxClients {
		r.metrics.AdmissionRejected(RejectCap.String())
		return Ticket{}, &AdmitError{Reason: RejectCap}
	}

	id := xid.New()
	r.admitted[id] = struct{}{}
	return Ticket{id: id}, nil
}

// Release frees the admission slot a Ticket held. Idempotent.
func (r *Registry) Release(t Ticket) {
	r.mu.Lock()
	delete(r.admitted, t.id)
	r.mu.Unlock()
}

// ConnectionFor returns the live Connection registered under endpoint, for
// the Dispatcher's target selection.
func (r *Registry) ConnectionFor(endpoint [protocol.EndpointSize]byte) (*conn.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byEndpoint[endpoint]
	if !ok {
		return nil, false
	}
	return rec.Conn, true
}

// PrimaryFor returns the elected primary bridge endpoint for a mesh.
func (r *Registry) PrimaryFor(mesh MeshID) ([protocol.EndpointSize]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.meshPrimary[mesh]
	return e, ok
}

// BridgesInMesh returns every bridge endpoint observed in a mesh, ordered
// by admission time (stable).
func (r *Registry) BridgesInMesh(mesh MeshID) [][protocol.EndpointSize]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	bridges := r.meshBridges[mesh]
	out := make([][protocol.EndpointSize]byte, len(bridges))
	copy(out, bridges)
	return out
}

// HandshakeComplete implements conn.Router: it registers a new Bridge
// Record for endpoint, tearing down any prior Connection registered under
// the same endpoint (a reconnect orphans the old one).
func (r *Registry) HandshakeComplete(c *conn.Connection, endpoint [protocol.EndpointSize]byte) error {
	r.mu.Lock()
	old, hadOld := r.byEndpoint[endpoint]
	r.byEndpoint[endpoint] = &BridgeRecord{
		Endpoint:   endpoint,
		Conn:       c,
		AdmittedAt: time.Now(),
	}
	notifier := r.notifier
	r.mu.Unlock()

	if hadOld && old.Conn != c {
		old.Conn.Close()
	}
	notifier.BridgeOnline(endpointHex(endpoint))
	return nil
}

// RoutePacket implements conn.Router: it observes mesh membership from
// 0x73/0x7B traffic and tracks heartbeat liveness, the only two things the
// Registry itself needs from the post-ACK-matching packet stream. Status
// broadcasts are forwarded to the Northbound by the Dispatcher, not here.
func (r *Registry) RoutePacket(c *conn.Connection, pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeDataChannel, protocol.TypeDataAck:
		if pkt.HasEndpoint {
			r.observeMeshMembership(c, pkt.Endpoint)
		}
	case protocol.TypeHeartbeat:
		r.touchHeartbeat(c)
	case protocol.TypeStatusBroadcast:
		r.mu.Lock()
		observer := r.status
		r.mu.Unlock()
		observer.HandleStatusBroadcast(pkt)
	}
}

// observeMeshMembership implements observe_mesh_membership: the first
// time a connection's 0x73 or 0x7B traffic reveals its mesh-coordinator id, index
// it into that mesh's bridge set (in admission-time order) and, if the
// mesh has no elected primary yet, elect the oldest live bridge.
func (r *Registry) observeMeshMembership(c *conn.Connection, coordinator [protocol.EndpointSize]byte) {
	endpoint, ok := c.Endpoint()
	if !ok {
		return
	}
	mesh := meshIDOf(coordinator)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byEndpoint[endpoint]
	if !ok {
		return
	}
	if rec.meshObserved {
		return
	}
	rec.meshObserved = true
	rec.MeshID = mesh

	bridges := r.meshBridges[mesh]
	insertAt := len(bridges)
	for i, e := range bridges {
		other := r.byEndpoint[e]
		if other != nil && rec.AdmittedAt.Before(other.AdmittedAt) {
			insertAt = i
			break
		}
	}
	bridges = append(bridges, [protocol.EndpointSize]byte{})
	copy(bridges[insertAt+1:], bridges[insertAt:])
	bridges[insertAt] = endpoint
	r.meshBridges[mesh] = bridges

	if _, exists := r.meshPrimary[mesh]; !exists {
		r.meshPrimary[mesh] = bridges[0]
		r.metrics.PrimaryElected(string(mesh), endpointHex(bridges[0]))
	}
}

func (r *Registry) touchHeartbeat(c *conn.Connection) {
	endpoint, ok := c.Endpoint()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byEndpoint[endpoint]; ok {
		rec.LastHeartbeat = time.Now()
	}
}

// Closed implements conn.Router: it unregisters a Connection on teardown
// and, if it was a mesh's primary, elects a replacement immediately and
// deterministically (the new oldest live bridge).
func (r *Registry) Closed(c *conn.Connection) {
	endpoint, ok := c.Endpoint()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byEndpoint[endpoint]
	if !ok || rec.Conn != c {
		// Already superseded by a newer Connection for this endpoint.
		return
	}
	delete(r.byEndpoint, endpoint)
	r.notifier.BridgeOffline(endpointHex(endpoint))

	if !rec.meshObserved {
		return
	}
	mesh := rec.MeshID
	bridges := r.meshBridges[mesh]
	for i, e := range bridges {
		if e == endpoint {
			bridges = append(bridges[:i], bridges[i+1:]...)
			break
		}
	}

	if len(bridges) == 0 {
		delete(r.meshBridges, mesh)
		delete(r.meshPrimary, mesh)
		r.metrics.MeshRemoved(string(mesh))
		return
	}
	r.meshBridges[mesh] = bridges
	if r.meshPrimary[mesh] == endpoint {
		r.meshPrimary[mesh] = bridges[0]
		r.metrics.PrimaryElected(string(mesh), endpointHex(bridges[0]))
	}
}
