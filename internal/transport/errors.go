package transport

// ErrorKind distinguishes the terminal outcomes a Pending Send can resolve
// with, matching the kinds spec'd for the Reliable Transport.
type ErrorKind int

const (
	// ErrAckTimeout means every retry was exhausted with no matching ACK.
	ErrAckTimeout ErrorKind = iota
	// ErrConnectionLost means the connection left the Operational state
	// while the send was outstanding.
	ErrConnectionLost
	// ErrMeshTarget means a caller tried to use a mesh-coordinator id
	// where a bridge endpoint was required.
	ErrMeshTarget
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAckTimeout:
		return "ack_timeout"
	case ErrConnectionLost:
		return "connection_lost"
	case ErrMeshTarget:
		return "mesh_target"
	default:
		return "unknown"
	}
}

// Error is the typed error every SendReliable failure resolves with.
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string {
	return "transport: " + e.Kind.String()
}

// HasKind reports whether err is a *Error of the given kind.
func HasKind(err error, kind ErrorKind) bool {
	te, ok := err.(*Error)
	return ok && te.Kind == kind
}
