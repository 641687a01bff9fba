package handshake

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/oops"
	"golang.org/x/crypto/blake2s"
)

// CookieJar issues and checks the stateless cookies a server demands before
// it commits handshake state. A cookie is a keyed MAC over the peer address,
// the initiator's identifier and the initiator's ephemeral key. The key
// rotates every period; cookies made with the previous key stay valid.
type CookieJar struct {
	clock    clock.Clock
	length   int
	rotation time.Duration

	mu        sync.Mutex
	current   [blake2s.Size]byte
	previous  [blake2s.Size]byte
	rotatedAt time.Time
}

// NewCookieJar returns a jar producing cookies of length bytes. A length of
// zero disables cookies.
func NewCookieJar(clk clock.Clock, length int, rotation time.Duration) (*CookieJar, error) {
	if length < 0 || length > blake2s.Size {
		return nil, oops.Errorf("cookie length %d out of range [0,%d]", length, blake2s.Size)
	}
	if rotation <= 0 {
		return nil, oops.Errorf("cookie rotation must be positive, got %s", rotation)
	}
	if clk == nil {
		clk = clock.New()
	}
	j := &CookieJar{clock: clk, length: length, rotation: rotation}
	if err := fillRandom(j.current[:]); err != nil {
		return nil, err
	}
	if err := fillRandom(j.previous[:]); err != nil {
		return nil, err
	}
	j.rotatedAt = clk.Now()
	return j, nil
}

// Enabled reports whether the server should demand cookies.
func (j *CookieJar) Enabled() bool {
	return j != nil && j.length > 0
}

// Make returns the cookie for the given initiator.
func (j *CookieJar) Make(peer string, initiator uint32, ephemeral []byte) []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rotateLocked()
	return j.mac(&j.current, peer, initiator, ephemeral)
}

// Verify checks a cookie against the current and the previous secret.
func (j *CookieJar) Verify(cookie []byte, peer string, initiator uint32, ephemeral []byte) bool {
	if len(cookie) != j.length {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rotateLocked()
	if subtle.ConstantTimeCompare(cookie, j.mac(&j.current, peer, initiator, ephemeral)) == 1 {
		return true
	}
	return subtle.ConstantTimeCompare(cookie, j.mac(&j.previous, peer, initiator, ephemeral)) == 1
}

func (j *CookieJar) rotateLocked() {
	elapsed := j.clock.Now().Sub(j.rotatedAt)
	if elapsed < j.rotation {
		return
	}
	if elapsed >= 2*j.rotation {
		// Both secrets are stale.
		_ = fillRandom(j.previous[:])
	} else {
		j.previous = j.current
	}
	_ = fillRandom(j.current[:])
	j.rotatedAt = j.clock.Now()
}

func (j *CookieJar) mac(secret *[blake2s.Size]byte, peer string, initiator uint32, ephemeral []byte) []byte {
	h, err := blake2s.New256(secret[:])
	if err != nil {
		panic(err)
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(peer)))
	h.Write(n[:])
	h.Write([]byte(peer))
	binary.BigEndian.PutUint32(n[:], initiator)
	h.Write(n[:])
	h.Write(ephemeral)
	return h.Sum(nil)[:j.length]
}

func fillRandom(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return oops.Wrapf(err, "failed to read random bytes")
	}
	return nil
}
