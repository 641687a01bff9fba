package idtable

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// maxAllocAttempts bounds the collision retries of NewLocalID.
const maxAllocAttempts = 64

// Item is anything indexed by an identifier pair.
type Item interface {
	IDs() *Pair
}

// Table indexes items by local id. Ids handed out by NewLocalID stay
// reserved until they are inserted or released, so two concurrent callers
// never receive the same id.
type Table[T Item] struct {
	mu       sync.Mutex
	items    map[uint32]T
	reserved map[uint32]struct{}
}

func NewTable[T Item]() *Table[T] {
	return &Table[T]{
		items:    make(map[uint32]T),
		reserved: make(map[uint32]struct{}),
	}
}

// NewLocalID reserves and returns a random non-zero id not used by any live
// or reserved entry.
func (t *Table[T]) NewLocalID() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked()
}

func (t *Table[T]) allocLocked() (uint32, error) {
	var buf [4]byte
	for i := 0; i < maxAllocAttempts; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, oops.Wrapf(err, "failed to read random id")
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id == 0 || t.inUseLocked(id) {
			continue
		}
		t.reserved[id] = struct{}{}
		return id, nil
	}
	return 0, ErrIDSpaceExhausted
}

func (t *Table[T]) inUseLocked(id uint32) bool {
	if _, ok := t.items[id]; ok {
		return true
	}
	_, ok := t.reserved[id]
	return ok
}

// Release returns a reserved id that was never inserted.
func (t *Table[T]) Release(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reserved, id)
}

// Insert registers item under its local id, allocating one first when the
// pair has none yet.
func (t *Table[T]) Insert(item T) error {
	pair := item.IDs()
	t.mu.Lock()
	defer t.mu.Unlock()

	id := pair.Local()
	if id == 0 {
		var err error
		if id, err = t.allocLocked(); err != nil {
			return err
		}
		if err := pair.SetLocal(id); err != nil {
			delete(t.reserved, id)
			return err
		}
	}
	if _, exists := t.items[id]; exists {
		return oops.Wrapf(ErrDuplicateLocalID, "local id %08x", id)
	}
	delete(t.reserved, id)
	t.items[id] = item
	log.WithField("pair", pair.String()).Debug("identifier table insert")
	return nil
}

// Remove drops the entry for localID and reports whether one existed.
func (t *Table[T]) Remove(localID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[localID]
	delete(t.items, localID)
	return ok
}

// Get returns the item for localID without checking the remote id.
func (t *Table[T]) Get(localID uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[localID]
	return item, ok
}

// TryGet resolves an inbound header. An association that has not learned its
// remote id adopts remoteID; one that has rejects any other value.
func (t *Table[T]) TryGet(localID, remoteID uint32) (T, error) {
	var zero T
	t.mu.Lock()
	item, ok := t.items[localID]
	t.mu.Unlock()
	if !ok {
		return zero, ErrUnknownLocalID
	}

	pair := item.IDs()
	if remoteID == 0 {
		if pair.Remote() != 0 {
			return zero, ErrRemoteIDMismatch
		}
		return item, nil
	}
	if err := pair.SetRemote(remoteID); err != nil {
		return zero, oops.Wrapf(ErrRemoteIDMismatch, "pair %s got remote %08x", pair, remoteID)
	}
	return item, nil
}

func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Snapshot returns the live items in no particular order.
func (t *Table[T]) Snapshot() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	return out
}
