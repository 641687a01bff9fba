package handshake

import (
	"errors"
	"math"

	"github.com/flynn/noise"
	"github.com/samber/oops"
	"golang.zx2c4.com/wireguard/replay"
)

// maxSeq keeps the nonce below the value Noise reserves.
const maxSeq = math.MaxUint64 - 1

// errReplayed marks a record the window has already seen. Such records are
// discarded without failing the channel.
var errReplayed = errors.New("replayed record")

// epoch holds the keys installed by one completed exchange.
type epoch struct {
	number  uint16
	send    noise.Cipher
	recv    noise.Cipher
	sendSeq uint64
	window  replay.Filter
}

func newEpoch(number uint16, send, recv *noise.CipherState) *epoch {
	return &epoch{
		number: number,
		send:   send.Cipher(),
		recv:   recv.Cipher(),
	}
}

func (e *epoch) seal(typ ContentType, body []byte) ([]byte, error) {
	if e.sendSeq >= maxSeq {
		return nil, ErrSequenceOverflow
	}
	h := recordHeader{Type: typ, Epoch: e.number, Seq: e.sendSeq}
	e.sendSeq++
	hdr := h.appendTo(make([]byte, 0, RecordHeaderSize))
	out := make([]byte, 0, RecordHeaderSize+len(body)+16)
	out = append(out, hdr...)
	return e.send.Encrypt(out, h.Seq, hdr, body), nil
}

func (e *epoch) open(hdr []byte, seq uint64, body []byte) ([]byte, error) {
	if seq >= maxSeq {
		return nil, ErrBadMAC
	}
	plain, err := e.recv.Decrypt(nil, seq, hdr, body)
	if err != nil {
		return nil, oops.Wrapf(ErrBadMAC, "epoch %d seq %d", e.number, seq)
	}
	if !e.window.ValidateCounter(seq, maxSeq) {
		return nil, errReplayed
	}
	return plain, nil
}
