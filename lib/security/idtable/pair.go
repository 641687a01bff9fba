package idtable

import (
	"fmt"
	"sync/atomic"
)

// Pair is the (local, remote) identifier pair of one association. Each id is
// zero until set and can be set only once.
type Pair struct {
	local  atomic.Uint32
	remote atomic.Uint32
}

// NewPair returns a pair with the given ids; zero leaves an id unset.
func NewPair(local, remote uint32) *Pair {
	p := &Pair{}
	p.local.Store(local)
	p.remote.Store(remote)
	return p
}

func (p *Pair) Local() uint32  { return p.local.Load() }
func (p *Pair) Remote() uint32 { return p.remote.Load() }

// SetLocal sets the local id. Setting the value already held is a no-op.
func (p *Pair) SetLocal(id uint32) error {
	return setOnce(&p.local, id)
}

// SetRemote sets the remote id. Setting the value already held is a no-op.
func (p *Pair) SetRemote(id uint32) error {
	return setOnce(&p.remote, id)
}

func setOnce(v *atomic.Uint32, id uint32) error {
	if id == 0 {
		return ErrZeroID
	}
	if v.CompareAndSwap(0, id) || v.Load() == id {
		return nil
	}
	return ErrIDAlreadySet
}

// Header is the wire header this side prefixes to outgoing packets.
func (p *Pair) Header() []byte {
	return Serialize(p.Remote(), p.Local())
}

// AppendHeader appends Header to dst.
func (p *Pair) AppendHeader(dst []byte) []byte {
	return AppendHeader(dst, p.Remote(), p.Local())
}

func (p *Pair) String() string {
	return fmt.Sprintf("%08x:%08x", p.Local(), p.Remote())
}
