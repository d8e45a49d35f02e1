// Package northbound defines the thin port between the southbound core
// and whatever upstream integration consumes it (an MQTT add-on, a home
// automation hub — neither lives in this repository). The core only
// depends on the Port and CommandExecutor interfaces; building a real
// northbound integration on top of them is out of scope here.
package northbound

import (
	"context"
	"time"
)

// Port receives notifications from the southbound core. Implementations
// must not block the caller for long: the core calls these synchronously
// from hot paths (packet handling, connection teardown).
type Port interface {
	// StateUpdate reports a device's latest known attributes, as observed
	// from a STATUS_BROADCAST. The status prefix of a command's compound
	// response is not reported here.
	StateUpdate(deviceID string, attributes map[string]any)

	// BridgeOnline reports that a bridge endpoint completed its
	// handshake and is now Operational.
	BridgeOnline(endpoint string)

	// BridgeOffline reports that a bridge endpoint's connection closed
	// or went Stale.
	BridgeOffline(endpoint string)

	// Close releases any resources the port holds (file handles,
	// background goroutines).
	Close() error
}

// CommandResult is the outcome of a command issued through
// CommandExecutor.
type CommandResult struct {
	// Delivered is true if at least one bridge returned a compound
	// response (a real status update, not a pure ACK).
	Delivered bool
	// Endpoint names which bridge delivered the response, when known.
	Endpoint string
}

// CommandExecutor is the outbound half of the port: whatever drives the
// northbound integration calls Command to act on a device. The Command
// Dispatcher implements this interface.
type CommandExecutor interface {
	Command(ctx context.Context, deviceID string, action string, params map[string]any) (CommandResult, error)
}

// Envelope is the common shape written by the JSONLine port: every
// notification, tagged with its kind and a timestamp.
type Envelope struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// EventType names the three inbound notifications a Port can receive.
type EventType string

const (
	EventStateUpdate   EventType = "state_update"
	EventBridgeOnline  EventType = "bridge_online"
	EventBridgeOffline EventType = "bridge_offline"
)

// StateUpdateData is the payload carried by EventStateUpdate.
type StateUpdateData struct {
	DeviceID   string         `json:"device_id"`
	Attributes map[string]any `json:"attributes"`
}

// BridgeEventData is the payload carried by EventBridgeOnline/Offline.
type BridgeEventData struct {
	Endpoint string `json:"endpoint"`
}
