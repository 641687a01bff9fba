package handshake

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// ContentType tags a record.
type ContentType uint8

const (
	ContentHandshake   ContentType = 22
	ContentApplication ContentType = 23
	ContentAlert       ContentType = 21
)

func (c ContentType) String() string {
	switch c {
	case ContentHandshake:
		return "handshake"
	case ContentApplication:
		return "application"
	case ContentAlert:
		return "alert"
	default:
		return "unknown"
	}
}

func (c ContentType) valid() bool {
	return c == ContentHandshake || c == ContentApplication || c == ContentAlert
}

// RecordHeaderSize is the length of the type, epoch and sequence fields.
const RecordHeaderSize = 1 + 2 + 8

type recordHeader struct {
	Type  ContentType
	Epoch uint16
	Seq   uint64
}

func (h recordHeader) appendTo(dst []byte) []byte {
	dst = append(dst, byte(h.Type))
	dst = binary.BigEndian.AppendUint16(dst, h.Epoch)
	return binary.BigEndian.AppendUint64(dst, h.Seq)
}

// parseRecord splits a datagram into header, raw header bytes and body.
func parseRecord(data []byte) (recordHeader, []byte, []byte, error) {
	if len(data) < RecordHeaderSize {
		return recordHeader{}, nil, nil, oops.Wrapf(ErrBadRecord, "record of %d bytes", len(data))
	}
	h := recordHeader{
		Type:  ContentType(data[0]),
		Epoch: binary.BigEndian.Uint16(data[1:3]),
		Seq:   binary.BigEndian.Uint64(data[3:11]),
	}
	if !h.Type.valid() {
		return recordHeader{}, nil, nil, oops.Wrapf(ErrBadRecord, "content type %d", data[0])
	}
	return h, data[:RecordHeaderSize], data[RecordHeaderSize:], nil
}
