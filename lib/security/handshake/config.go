package handshake

import (
	"time"

	"github.com/samber/oops"
)

// Config tunes retransmission of handshake flights.
type Config struct {
	// RetransmitMin is the first retransmission timeout; each expiry doubles
	// it up to RetransmitMax.
	RetransmitMin time.Duration
	RetransmitMax time.Duration
	// MaxRetransmits is the number of expiries tolerated per flight before
	// the handshake fails.
	MaxRetransmits int
	// BufferLimit bounds each of the engine's datagram buffers.
	BufferLimit int
}

func DefaultConfig() Config {
	return Config{
		RetransmitMin:  time.Second,
		RetransmitMax:  60 * time.Second,
		MaxRetransmits: 10,
		BufferLimit:    256,
	}
}

func (c Config) Validate() error {
	if c.RetransmitMin <= 0 {
		return oops.Errorf("retransmit minimum must be positive, got %s", c.RetransmitMin)
	}
	if c.RetransmitMax < c.RetransmitMin {
		return oops.Errorf("retransmit maximum %s below minimum %s", c.RetransmitMax, c.RetransmitMin)
	}
	if c.MaxRetransmits < 0 {
		return oops.Errorf("max retransmits must not be negative, got %d", c.MaxRetransmits)
	}
	return nil
}
