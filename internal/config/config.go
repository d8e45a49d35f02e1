// Package config provides cyncd's persistent configuration: the server
// Options table from the spec, and the read-only device roster loaded
// alongside it. Persistence follows the teacher's JSON-over-a-file
// style (Load/LoadFrom/Save/SaveTo, os.UserHomeDir-rooted default path).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Options holds every tunable the southbound core exposes. Every field
// is optional; DefaultOptions fills in the documented defaults, and
// Load/LoadFrom apply them to whatever a config file leaves unset.
type Options struct {
	// TCPWhitelist restricts which peer addresses the Bridge Registry
	// admits. An empty list means "allow any address" (admission is
	// still subject to MaxClients).
	TCPWhitelist []string `json:"tcp_whitelist,omitempty"`

	// MaxClients is the hard cap on concurrently admitted connections.
	MaxClients int `json:"max_clients"`

	// CommandTargets is how many bridges the Dispatcher fans a command
	// out to: the primary plus up to CommandTargets-1 redundant bridges.
	CommandTargets int `json:"command_targets"`

	// AckTimeoutMS is how long the Reliable Transport waits for an ACK
	// before retrying a Pending Send.
	AckTimeoutMS int `json:"ack_timeout_ms"`

	// AckRetries is how many additional attempts a Pending Send gets
	// after its first send before it resolves as ack_timeout.
	AckRetries int `json:"ack_retries"`

	// HeartbeatIntervalS is how often the server emits a HEARTBEAT to
	// each connected bridge.
	HeartbeatIntervalS int `json:"heartbeat_interval_s"`

	// HeartbeatTimeoutS is how long a connection may go without any
	// traffic from the peer before it is marked Stale. Zero means "compute from
	// AckTimeoutMS": max(3*ack_timeout_s, 10).
	HeartbeatTimeoutS int `json:"heartbeat_timeout_s,omitempty"`

	// RecvQueueSize is the capacity of each connection's outbound packet
	// queue. Inbound bytes are not queued: the reader task feeds them
	// straight to the Framer.
	RecvQueueSize int `json:"recv_queue_size"`

	// MaxPacketSize is the Framer's per-packet ceiling.
	MaxPacketSize int `json:"max_packet_size"`
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	o := Options{
		MaxClients:         8,
		CommandTargets:     2,
		AckTimeoutMS:       128,
		AckRetries:         3,
		HeartbeatIntervalS: 60,
		RecvQueueSize:      200,
		MaxPacketSize:      4096,
	}
	o.HeartbeatTimeoutS = defaultHeartbeatTimeoutS(o.AckTimeoutMS)
	return o
}

// defaultHeartbeatTimeoutS implements heartbeat_timeout_s = max(3 *
// ack_timeout_s, 10) from the spec's config table.
func defaultHeartbeatTimeoutS(ackTimeoutMS int) int {
	ackTimeoutS := ackTimeoutMS / 1000
	heartbeatTimeout := 3 * ackTimeoutS
	if heartbeatTimeout < 10 {
		heartbeatTimeout = 10
	}
	return heartbeatTimeout
}

// applyDefaults fills in any zero-valued field with its documented
// default, so a partial config file only has to name the fields it wants
// to override.
func applyDefaults(o *Options) {
	d := DefaultOptions()
	if o.MaxClients == 0 {
		o.MaxClients = d.MaxClients
	}
	if o.CommandTargets == 0 {
		o.CommandTargets = d.CommandTargets
	}
	if o.AckTimeoutMS == 0 {
		o.AckTimeoutMS = d.AckTimeoutMS
	}
	if o.AckRetries == 0 {
		o.AckRetries = d.AckRetries
	}
	if o.HeartbeatIntervalS == 0 {
		o.HeartbeatIntervalS = d.HeartbeatIntervalS
	}
	if o.RecvQueueSize == 0 {
		o.RecvQueueSize = d.RecvQueueSize
	}
	if o.MaxPacketSize == 0 {
		o.MaxPacketSize = d.MaxPacketSize
	}
	if o.HeartbeatTimeoutS == 0 {
		o.HeartbeatTimeoutS = defaultHeartbeatTimeoutS(o.AckTimeoutMS)
	}
}

// DefaultConfigDir returns the default configuration directory:
// ~/.cyncd on Unix-like systems, %USERPROFILE%\.cyncd on Windows.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".cyncd"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads Options from the default config file, applying defaults for
// anything the file leaves unset. Returns DefaultOptions if the file
// doesn't exist.
func Load() (*Options, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads Options from the specified file path, applying defaults
// for anything it leaves unset. Returns DefaultOptions if the file
// doesn't exist.
func LoadFrom(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			o := DefaultOptions()
			return &o, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var o Options
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(&o)
	return &o, nil
}

// Save writes Options to the default config file.
func (o *Options) Save() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return o.SaveTo(path)
}

// SaveTo writes Options to the specified file path.
func (o *Options) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// RosterEntry is one device's static metadata: which mesh it belongs to,
// and a human-friendly name for logs and the Northbound Adapter Port.
type RosterEntry struct {
	MeshID string `json:"mesh_id"`
	Name   string `json:"name"`
}

// Roster maps device_id to its static metadata. It is loaded once at
// startup and treated as read-only for the lifetime of the process.
type Roster map[string]RosterEntry

// Lookup satisfies the Dispatcher's Roster interface: it resolves a
// device id to the mesh id it belongs to.
func (r Roster) Lookup(deviceID string) (string, bool) {
	entry, ok := r[deviceID]
	if !ok {
		return "", false
	}
	return entry.MeshID, true
}

// LoadRoster reads a device roster from a JSON file mapping device_id to
// {mesh_id, name}. A missing file yields an empty Roster rather than an
// error, matching Options' load-missing-as-default convention.
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Roster{}, nil
		}
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	var r Roster
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse roster file: %w", err)
	}
	return r, nil
}
