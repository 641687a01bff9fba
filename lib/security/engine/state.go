package engine

// State is the handshake progress reported by an Engine.
type State int

const (
	Handshaking State = iota
	Established
	Renegotiating
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "Handshaking"
	case Established:
		return "Established"
	case Renegotiating:
		return "Renegotiating"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further traffic can be processed.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// Role selects which side of the handshake an engine plays.
type Role int

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}
