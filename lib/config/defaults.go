package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// SecurityConfig holds the tunables of the secure association layer.
type SecurityConfig struct {
	// TrustDir contains the CA and local certificates.
	TrustDir string
	// LocalID is the node identity that must appear in every local
	// certificate. Empty means any identity is accepted.
	LocalID string
	// KeyFile is the private key matching the local certificates.
	KeyFile string

	// Marker prefixes every secured datagram on the shared transport.
	Marker []byte

	CookieLength   int
	CookieRotation time.Duration

	RetransmitMin  time.Duration
	RetransmitMax  time.Duration
	MaxRetransmits int
	TimerGrace     time.Duration

	// InactivityTimeout is the garbage collection period.
	InactivityTimeout time.Duration
	PendingLimit      int

	InboundRate  float64
	InboundBurst int

	RecentlyClosedTTL  time.Duration
	RecentlyClosedSize int
}

// DefaultSecurityConfig returns the defaults rooted at the user's config
// directory.
func DefaultSecurityConfig() SecurityConfig {
	base := BuildConfigDirPath()
	return SecurityConfig{
		TrustDir:           filepath.Join(base, "trust"),
		KeyFile:            filepath.Join(base, "trust", "node.key"),
		Marker:             []byte{0x53},
		CookieLength:       16,
		CookieRotation:     5 * time.Minute,
		RetransmitMin:      time.Second,
		RetransmitMax:      60 * time.Second,
		MaxRetransmits:     10,
		TimerGrace:         250 * time.Millisecond,
		InactivityTimeout:  5 * time.Minute,
		PendingLimit:       64,
		InboundRate:        64,
		InboundBurst:       128,
		RecentlyClosedTTL:  30 * time.Second,
		RecentlyClosedSize: 1024,
	}
}

// Validate checks the values that would otherwise surface as confusing
// failures deep inside a handshake.
func (c *SecurityConfig) Validate() error {
	if c.TrustDir == "" {
		return newValidationError("security.trust_dir must be set")
	}
	if len(c.Marker) == 0 {
		return newValidationError("security.marker must not be empty")
	}
	if c.CookieLength < 0 || c.CookieLength > 32 {
		return newValidationError(fmt.Sprintf("security.cookie_length must be between 0 and 32, got %d", c.CookieLength))
	}
	if c.CookieLength > 0 && c.CookieRotation <= 0 {
		return newValidationError("security.cookie_rotation must be positive when cookies are enabled")
	}
	if c.RetransmitMin <= 0 {
		return newValidationError(fmt.Sprintf("security.retransmit_min must be positive, got %s", c.RetransmitMin))
	}
	if c.RetransmitMax < c.RetransmitMin {
		return newValidationError(fmt.Sprintf("security.retransmit_max (%s) must not be below retransmit_min (%s)",
			c.RetransmitMax, c.RetransmitMin))
	}
	if c.MaxRetransmits < 0 {
		return newValidationError("security.max_retransmits must not be negative")
	}
	if c.TimerGrace < 0 || c.InactivityTimeout < 0 {
		return newValidationError("security.timer_grace and security.inactivity_timeout must not be negative")
	}
	if c.PendingLimit < 0 {
		return newValidationError("security.pending_limit must not be negative")
	}
	if c.InboundRate < 0 {
		return newValidationError("security.inbound_rate must not be negative")
	}
	if c.InboundRate > 0 && c.InboundBurst <= 0 {
		return newValidationError("security.inbound_burst must be positive when a rate is set")
	}
	if c.RecentlyClosedSize < 0 || c.RecentlyClosedTTL < 0 {
		return newValidationError("security.recently_closed_size and ttl must not be negative")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
