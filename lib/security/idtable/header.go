package idtable

import "encoding/binary"

// HeaderSize is the length of the serialized identifier pair.
const HeaderSize = 8

// ParseHeader splits a packet into its payload and the identifier pair seen
// from the receiver's side.
func ParseHeader(packet []byte) (payload []byte, localID, remoteID uint32, err error) {
	if len(packet) < HeaderSize {
		return nil, 0, 0, ErrTruncated
	}
	remoteID = binary.BigEndian.Uint32(packet[0:4])
	localID = binary.BigEndian.Uint32(packet[4:8])
	return packet[HeaderSize:], localID, remoteID, nil
}

// Serialize returns the header that a receiver parses back to (localID,
// remoteID). A sender holding the pair (l, r) therefore calls Serialize(r, l).
func Serialize(localID, remoteID uint32) []byte {
	return AppendHeader(make([]byte, 0, HeaderSize), localID, remoteID)
}

// AppendHeader appends the header for the receiver view (localID, remoteID) to dst.
func AppendHeader(dst []byte, localID, remoteID uint32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, remoteID)
	return binary.BigEndian.AppendUint32(dst, localID)
}
