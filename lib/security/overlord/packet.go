package overlord

import "github.com/go-i2p/go-secchan/lib/security/association"

// Packet is what the transport hands to HandleData: either raw wire bytes
// that still need demultiplexing or a payload already bound to an
// association.
type Packet interface {
	packet()
}

// PacketRaw is a datagram as received from an insecure sender.
type PacketRaw struct {
	Data  []byte
	From  association.Sender
	State any
}

// PacketAssociated is plaintext that an association already produced, for
// instance on a loopback path. It is delivered to subscribers as is.
type PacketAssociated struct {
	Payload     []byte
	Association *association.Association
	State       any
}

func (PacketRaw) packet()        {}
func (PacketAssociated) packet() {}
