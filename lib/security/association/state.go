package association

// State is the lifecycle of an association. Transitions only move forward,
// except Active and Updating which alternate; Closed is terminal.
type State int32

const (
	Handshaking State = iota
	Active
	Updating
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "Handshaking"
	case Active:
		return "Active"
	case Updating:
		return "Updating"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseReason records why an association was closed.
type CloseReason string

const (
	ReasonRequested           CloseReason = "Requested"
	ReasonDuplicate           CloseReason = "Duplicate"
	ReasonCertificateRejected CloseReason = "CertificateRejected"
	ReasonPeerClosed          CloseReason = "PeerClosed"
	ReasonEngineError         CloseReason = "EngineError"
	ReasonInactivity          CloseReason = "Inactivity"
	ReasonSuperseded          CloseReason = "Superseded"
	ReasonShutdown            CloseReason = "Shutdown"
)

func (r CloseReason) String() string { return string(r) }
