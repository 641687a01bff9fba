package association

import (
	"time"

	"github.com/samber/oops"
)

type Config struct {
	// Marker prefixes every outbound datagram.
	Marker []byte
	// PendingLimit bounds the messages queued while handshaking.
	PendingLimit int
	// TimerGrace is the coalescing window given to retransmission timers.
	TimerGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Marker:       []byte{0x53},
		PendingLimit: 64,
		TimerGrace:   250 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if len(c.Marker) == 0 {
		return oops.Errorf("marker must not be empty")
	}
	if c.PendingLimit < 0 {
		return oops.Errorf("pending limit must not be negative, got %d", c.PendingLimit)
	}
	if c.TimerGrace < 0 {
		return oops.Errorf("timer grace must not be negative, got %s", c.TimerGrace)
	}
	return nil
}
