package overlord

import (
	"time"

	"github.com/go-i2p/go-secchan/lib/config"
	"github.com/go-i2p/go-secchan/lib/security/association"
	"github.com/go-i2p/go-secchan/lib/security/handshake"
	"github.com/samber/oops"
)

// Config tunes an Overlord and every association it creates.
type Config struct {
	Association association.Config
	Handshake   handshake.Config

	// CookieLength of zero disables the cookie round trip.
	CookieLength   int
	CookieRotation time.Duration

	// InactivityTimeout is the garbage collection period; zero disables it.
	InactivityTimeout time.Duration

	// InboundRate limits how many server associations are spawned per
	// second; zero means unlimited.
	InboundRate  float64
	InboundBurst int

	RecentlyClosedTTL  time.Duration
	RecentlyClosedSize int
}

func DefaultConfig() Config {
	return Config{
		Association:        association.DefaultConfig(),
		Handshake:          handshake.DefaultConfig(),
		CookieLength:       16,
		CookieRotation:     5 * time.Minute,
		InactivityTimeout:  5 * time.Minute,
		InboundRate:        64,
		InboundBurst:       128,
		RecentlyClosedTTL:  30 * time.Second,
		RecentlyClosedSize: 1024,
	}
}

// FromSecurityConfig maps the node configuration onto an overlord config.
func FromSecurityConfig(c *config.SecurityConfig) Config {
	cfg := DefaultConfig()
	if c == nil {
		return cfg
	}
	cfg.Association.Marker = append([]byte(nil), c.Marker...)
	cfg.Association.PendingLimit = c.PendingLimit
	cfg.Association.TimerGrace = c.TimerGrace
	cfg.Handshake.RetransmitMin = c.RetransmitMin
	cfg.Handshake.RetransmitMax = c.RetransmitMax
	cfg.Handshake.MaxRetransmits = c.MaxRetransmits
	cfg.CookieLength = c.CookieLength
	cfg.CookieRotation = c.CookieRotation
	cfg.InactivityTimeout = c.InactivityTimeout
	cfg.InboundRate = c.InboundRate
	cfg.InboundBurst = c.InboundBurst
	cfg.RecentlyClosedTTL = c.RecentlyClosedTTL
	cfg.RecentlyClosedSize = c.RecentlyClosedSize
	return cfg
}

func (c Config) Validate() error {
	if err := c.Association.Validate(); err != nil {
		return oops.Wrapf(err, "association config")
	}
	if err := c.Handshake.Validate(); err != nil {
		return oops.Wrapf(err, "handshake config")
	}
	if c.CookieLength < 0 {
		return oops.Errorf("cookie length must not be negative, got %d", c.CookieLength)
	}
	if c.CookieLength > 0 && c.CookieRotation <= 0 {
		return oops.Errorf("cookie rotation must be positive, got %s", c.CookieRotation)
	}
	if c.InactivityTimeout < 0 {
		return oops.Errorf("inactivity timeout must not be negative, got %s", c.InactivityTimeout)
	}
	if c.InboundRate < 0 || (c.InboundRate > 0 && c.InboundBurst <= 0) {
		return oops.Errorf("invalid inbound rate %v with burst %d", c.InboundRate, c.InboundBurst)
	}
	if c.RecentlyClosedSize < 0 || c.RecentlyClosedTTL < 0 {
		return oops.Errorf("recently closed cache size and ttl must not be negative")
	}
	return nil
}
