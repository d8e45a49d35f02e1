package northbound

// NopPort silently discards every notification. It is the default port
// for a server that has no northbound integration wired up, and the one
// tests use when they don't care about northbound traffic.
type NopPort struct{}

func (NopPort) StateUpdate(deviceID string, attributes map[string]any) {}
func (NopPort) BridgeOnline(endpoint string)                           {}
func (NopPort) BridgeOffline(endpoint string)                          {}
func (NopPort) Close() error                                           { return nil }
