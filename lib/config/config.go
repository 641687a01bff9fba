package config

import (
	"encoding/hex"
	"errors"
	"path/filepath"

	"github.com/go-i2p/go-secchan/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const SECCHAN_BASE_DIR = ".go-secchan"

// Viper keys of the security section.
const (
	keyTrustDir           = "security.trust_dir"
	keyLocalID            = "security.local_id"
	keyKeyFile            = "security.key_file"
	keyMarker             = "security.marker"
	keyCookieLength       = "security.cookie_length"
	keyCookieRotation     = "security.cookie_rotation"
	keyRetransmitMin      = "security.retransmit_min"
	keyRetransmitMax      = "security.retransmit_max"
	keyMaxRetransmits     = "security.max_retransmits"
	keyTimerGrace         = "security.timer_grace"
	keyInactivityTimeout  = "security.inactivity_timeout"
	keyPendingLimit       = "security.pending_limit"
	keyInboundRate        = "security.inbound_rate"
	keyInboundBurst       = "security.inbound_burst"
	keyRecentlyClosedTTL  = "security.recently_closed_ttl"
	keyRecentlyClosedSize = "security.recently_closed_size"
)

// InitConfig points viper at the config file, applies the defaults and
// creates the default file when none exists yet.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildConfigDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	return handleConfigFile()
}

func setDefaults() {
	d := DefaultSecurityConfig()
	viper.SetDefault(keyTrustDir, d.TrustDir)
	viper.SetDefault(keyLocalID, d.LocalID)
	viper.SetDefault(keyKeyFile, d.KeyFile)
	viper.SetDefault(keyMarker, hex.EncodeToString(d.Marker))
	viper.SetDefault(keyCookieLength, d.CookieLength)
	viper.SetDefault(keyCookieRotation, d.CookieRotation)
	viper.SetDefault(keyRetransmitMin, d.RetransmitMin)
	viper.SetDefault(keyRetransmitMax, d.RetransmitMax)
	viper.SetDefault(keyMaxRetransmits, d.MaxRetransmits)
	viper.SetDefault(keyTimerGrace, d.TimerGrace)
	viper.SetDefault(keyInactivityTimeout, d.InactivityTimeout)
	viper.SetDefault(keyPendingLimit, d.PendingLimit)
	viper.SetDefault(keyInboundRate, d.InboundRate)
	viper.SetDefault(keyInboundBurst, d.InboundBurst)
	viper.SetDefault(keyRecentlyClosedTTL, d.RecentlyClosedTTL)
	viper.SetDefault(keyRecentlyClosedSize, d.RecentlyClosedSize)
}

// NewSecurityConfigFromViper builds a validated SecurityConfig from the
// current viper settings.
func NewSecurityConfigFromViper() (*SecurityConfig, error) {
	marker, err := hex.DecodeString(viper.GetString(keyMarker))
	if err != nil {
		return nil, oops.Wrapf(err, "%s is not valid hex", keyMarker)
	}

	cfg := &SecurityConfig{
		TrustDir:           viper.GetString(keyTrustDir),
		LocalID:            viper.GetString(keyLocalID),
		KeyFile:            viper.GetString(keyKeyFile),
		Marker:             marker,
		CookieLength:       viper.GetInt(keyCookieLength),
		CookieRotation:     viper.GetDuration(keyCookieRotation),
		RetransmitMin:      viper.GetDuration(keyRetransmitMin),
		RetransmitMax:      viper.GetDuration(keyRetransmitMax),
		MaxRetransmits:     viper.GetInt(keyMaxRetransmits),
		TimerGrace:         viper.GetDuration(keyTimerGrace),
		InactivityTimeout:  viper.GetDuration(keyInactivityTimeout),
		PendingLimit:       viper.GetInt(keyPendingLimit),
		InboundRate:        viper.GetFloat64(keyInboundRate),
		InboundBurst:       viper.GetInt(keyInboundBurst),
		RecentlyClosedTTL:  viper.GetDuration(keyRecentlyClosedTTL),
		RecentlyClosedSize: viper.GetInt(keyRecentlyClosedSize),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefaultConfig(defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := CreateSecureDirectory(defaultConfigDir); err != nil {
		return oops.Wrapf(err, "could not create config directory")
	}

	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.Wrapf(err, "could not write default config file")
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
	return nil
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return oops.Wrapf(err, "error reading config file")
	}
	if CfgFile != "" {
		return oops.Wrapf(err, "config file %s is not found", CfgFile)
	}
	return createDefaultConfig(BuildConfigDirPath())
}

func BuildConfigDirPath() string {
	return filepath.Join(util.UserHome(), SECCHAN_BASE_DIR)
}
