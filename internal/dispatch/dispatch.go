// Package dispatch implements the Command Dispatcher (spec §4.6):
// translating a logical {device_id, action, params} command from the
// Northbound into one or more reliable sends, fanned out to redundant
// bridges, with "first compound response wins" semantics.
package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"

	"github.com/cync-lan/cyncd/internal/conn"
	"github.com/cync-lan/cyncd/internal/northbound"
	"github.com/cync-lan/cyncd/internal/protocol"
	"github.com/cync-lan/cyncd/internal/registry"
)

// offlineDebounceThreshold is the number of consecutive offline reports
// a device must accumulate before the Dispatcher marks it offline (spec
// §4.4 edge case: "three consecutive offline reports... debounce observed
// to flap otherwise").
const offlineDebounceThreshold = 3

// bridgeLookup is the subset of *registry.Registry the Dispatcher needs,
// so tests can substitute a fake without standing up real connections.
type bridgeLookup interface {
	PrimaryFor(mesh registry.MeshID) ([protocol.EndpointSize]byte, bool)
	BridgesInMesh(mesh registry.MeshID) [][protocol.EndpointSize]byte
	ConnectionFor(endpoint [protocol.EndpointSize]byte) (*conn.Connection, bool)
}

// Roster is the subset of config.Roster the Dispatcher needs.
type Roster interface {
	Lookup(deviceID string) (meshID string, ok bool)
}

// Recorder receives one observation per resolved Command call, for
// internal/metrics to expose as dispatch-outcome counters.
type Recorder interface {
	DispatchOutcome(kind string)
}

type nopRecorder struct{}

func (nopRecorder) DispatchOutcome(string) {}

// Notifier receives device state updates decoded from 0x83
// STATUS_BROADCAST traffic, for the Northbound port (internal/northbound.
// Port satisfies this directly).
type Notifier interface {
	StateUpdate(deviceID string, attributes map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) StateUpdate(string, map[string]any) {}

// deviceKey identifies a device as reported by one specific bridge: 0x83
// is per-bridge (each bridge reports its own endpoint), so the offline
// debounce is tracked per (endpoint, device id) pair.
type deviceKey struct {
	endpoint [protocol.EndpointSize]byte
	deviceID uint16
}

type Dispatcher struct {
	registry bridgeLookup
	roster   Roster
	targets  int
	metrics  Recorder
	notifier Notifier

	statusMu      sync.Mutex
	offlineCounts map[deviceKey]int
	deviceOnline  map[deviceKey]bool
}

// New builds a Dispatcher. targets <= 0 falls back to spec's default of 2.
func New(reg bridgeLookup, roster Roster, targets int) *Dispatcher {
	if targets <= 0 {
		targets = 2
	}
	return &Dispatcher{
		registry:      reg,
		roster:        roster,
		targets:       targets,
		metrics:       nopRecorder{},
		notifier:      nopNotifier{},
		offlineCounts: make(map[deviceKey]int),
		deviceOnline:  make(map[deviceKey]bool),
	}
}

// SetRecorder wires a Recorder (internal/metrics, typically) to receive
// dispatch-outcome events. Safe to call at any time.
func (d *Dispatcher) SetRecorder(rec Recorder) {
	if rec == nil {
		rec = nopRecorder{}
	}
	d.metrics = rec
}

// SetNotifier wires a Notifier (the Northbound port, typically) to
// receive device state updates. Safe to call at any time.
func (d *Dispatcher) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	d.notifier = n
}

// HandleStatusBroadcast implements registry.StatusObserver: it decodes the
// device id and liveness bit a 0x83 STATUS_BROADCAST's framed payload
// carries (2-byte big-endian device id, liveness in bit 0 of the final
// byte), applies the offline debounce, and forwards a state_update to the
// Northbound only on an actual online/offline transition.
func (d *Dispatcher) HandleStatusBroadcast(pkt *protocol.Packet) {
	if len(pkt.FramedPayload) < 3 {
		return
	}
	deviceID := binary.BigEndian.Uint16(pkt.FramedPayload[0:2])
	online := pkt.FramedPayload[len(pkt.FramedPayload)-1]&0x01 != 0
	key := deviceKey{endpoint: pkt.Endpoint, deviceID: deviceID}

	d.statusMu.Lock()
	wasOnline, known := d.deviceOnline[key]
	transitioned := false
	if online {
		delete(d.offlineCounts, key)
		if !known || !wasOnline {
			transitioned = true
		}
		d.deviceOnline[key] = true
	} else {
		d.offlineCounts[key]++
		if d.offlineCounts[key] >= offlineDebounceThreshold {
			if !known || wasOnline {
				transitioned = true
			}
			d.deviceOnline[key] = false
		}
	}
	d.statusMu.Unlock()

	if transitioned {
		d.notifier.StateUpdate(strconv.Itoa(int(deviceID)), map[string]any{"online": online})
	}
}

// Command implements northbound.CommandExecutor.
func (d *Dispatcher) Command(ctx context.Context, deviceID string, action string, params map[string]any) (result northbound.CommandResult, err error) {
	defer func() {
		if err == nil {
			d.metrics.DispatchOutcome("delivered")
			return
		}
		if de, ok := err.(*Error); ok {
			d.metrics.DispatchOutcome(de.Kind.String())
			return
		}
		d.metrics.DispatchOutcome("error")
	}()

	meshIDStr, ok := d.roster.Lookup(deviceID)
	if !ok {
		return northbound.CommandResult{}, &Error{Kind: ErrUnknownDevice, Detail: deviceID}
	}

	code, ok := actionCodes[action]
	if !ok {
		return northbound.CommandResult{}, &Error{Kind: ErrUnknownAction, Detail: action}
	}

	numericID, err := parseDeviceID(deviceID)
	if err != nil {
		return northbound.CommandResult{}, err
	}

	mesh := registry.MeshID(meshIDStr)
	if _, err := registry.DecodeMeshID(mesh); err != nil {
		return northbound.CommandResult{}, &Error{Kind: ErrMeshTarget, Detail: meshIDStr}
	}

	targets := d.selectTargets(mesh)
	if len(targets) == 0 {
		return northbound.CommandResult{}, &Error{Kind: ErrNoBridgesAvailable, Detail: meshIDStr}
	}

	payload := encodePayload(numericID, code, params)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type attempt struct {
		endpoint [protocol.EndpointSize]byte
		compound bool
		err      error
	}
	results := make(chan attempt, len(targets))
	for _, tgt := range targets {
		tgt := tgt
		go func() {
			outcome, err := tgt.conn.Transport().SendReliable(cctx, func(msgID uint16) []byte {
				return protocol.EncodeDataChannel(tgt.endpoint, msgID, payload)
			}, protocol.TypeDataAck)
			results <- attempt{endpoint: tgt.endpoint, compound: outcome.Compound, err: err}
		}()
	}

	for i := 0; i < len(targets); i++ {
		a := <-results
		if a.err == nil && a.compound {
			return northbound.CommandResult{Delivered: true, Endpoint: endpointString(a.endpoint)}, nil
		}
	}
	return northbound.CommandResult{}, &Error{Kind: ErrNoBridgeDelivered, Detail: deviceID}
}

// TargetBridge validates that endpoint is a live, registered bridge
// endpoint within mesh — never the mesh-coordinator id itself — before a
// caller is allowed to pin a command to it specifically. This is the
// "mesh-to-bridge disambiguation guard": the only way to reach a
// connection through this package is through a value the Bridge Registry
// itself attests names a bridge.
func (d *Dispatcher) TargetBridge(mesh registry.MeshID, endpoint [protocol.EndpointSize]byte) (*conn.Connection, error) {
	if coordinator, err := registry.DecodeMeshID(mesh); err == nil && coordinator == endpoint {
		return nil, &Error{Kind: ErrMeshTarget, Detail: endpointString(endpoint)}
	}
	c, ok := d.registry.ConnectionFor(endpoint)
	if !ok {
		return nil, &Error{Kind: ErrNoBridgesAvailable, Detail: endpointString(endpoint)}
	}
	return c, nil
}

type target struct {
	endpoint [protocol.EndpointSize]byte
	conn     *conn.Connection
}

// selectTargets implements target selection: min(command_targets,
// available_bridges), preferring the primary and then admission order.
func (d *Dispatcher) selectTargets(mesh registry.MeshID) []target {
	bridges := d.registry.BridgesInMesh(mesh)
	if len(bridges) == 0 {
		return nil
	}

	primary, hasPrimary := d.registry.PrimaryFor(mesh)
	ordered := make([][protocol.EndpointSize]byte, 0, len(bridges))
	if hasPrimary {
		ordered = append(ordered, primary)
	}
	for _, b := range bridges {
		if hasPrimary && b == primary {
			continue
		}
		ordered = append(ordered, b)
	}

	out := make([]target, 0, d.targets)
	for _, ep := range ordered {
		if len(out) >= d.targets {
			break
		}
		c, ok := d.registry.ConnectionFor(ep)
		if !ok {
			continue
		}
		out = append(out, target{endpoint: ep, conn: c})
	}
	return out
}

func parseDeviceID(deviceID string) (uint16, error) {
	n, err := strconv.Atoi(deviceID)
	if err != nil || n < 10 || n > 255 {
		return 0, &Error{Kind: ErrUnknownDevice, Detail: deviceID}
	}
	return uint16(n), nil
}

func endpointString(e [protocol.EndpointSize]byte) string {
	return fmt.Sprintf("%x", e)
}
