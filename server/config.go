package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/vaultlet/vaultlet/server/protocol"
)

const (
	// DefaultSubjectPrefix is the NATS subject prefix invites are served on
	// if one is not specified.
	DefaultSubjectPrefix = "vaultlet.pair"

	// StdioSocket makes the server speak the protocol over stdin/stdout.
	StdioSocket = "-"
)

const (
	defaultMaxFileBytes     = 64 * 1024 * 1024 // 64MB
	defaultOperationTimeout = 30 * time.Second
	defaultPairingTimeout   = 2 * time.Minute
)

var knownSettings = map[string]struct{}{
	"storage.path":             {},
	"listen.socket":            {},
	"log.level":                {},
	"log.silent":               {},
	"protocol.max_frame_bytes": {},
	"protocol.crc":             {},
	"transfer.max_file_bytes":  {},
	"timeouts.operation":       {},
	"timeouts.pairing":         {},
	"pairing.nats_servers":     {},
	"pairing.subject_prefix":   {},
	"pairing.embedded":         {},
	"mirrors.defaults":         {},
}

// PairingConfig contains settings for the invite/pairing transport.
type PairingConfig struct {
	NATSServers   []string `validate:"dive,url"`
	SubjectPrefix string   `validate:"required"`
	// Embedded starts an in-process NATS server when no servers are given.
	Embedded bool
}

// Config contains all settings for a vaultlet server.
type Config struct {
	StoragePath      string `validate:"omitempty,startswith=/"`
	Socket           string
	LogLevel         uint32
	LogSilent        bool
	MaxFrameBytes    int `validate:"min=1024"`
	CRC              bool
	MaxFileBytes     int64         `validate:"min=1"`
	OperationTimeout time.Duration `validate:"gt=0"`
	PairingTimeout   time.Duration `validate:"gt=0"`
	Pairing          PairingConfig
	DefaultMirrors   []string `validate:"dive,required"`
}

// new Viper to parse configuration file
func newViper() *viper.Viper {
	v := viper.New()
	return v
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	config := &Config{
		Socket:           StdioSocket,
		LogLevel:         uint32(log.InfoLevel),
		MaxFrameBytes:    protocol.DefaultMaxFrameSize,
		CRC:              true,
		MaxFileBytes:     defaultMaxFileBytes,
		OperationTimeout: defaultOperationTimeout,
		PairingTimeout:   defaultPairingTimeout,
	}
	config.Pairing.SubjectPrefix = DefaultSubjectPrefix
	return config
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// String returns a one-line summary of the configuration for logging.
func (c *Config) String() string {
	pairing := "disabled"
	switch {
	case len(c.Pairing.NATSServers) > 0:
		pairing = strings.Join(c.Pairing.NATSServers, ",")
	case c.Pairing.Embedded:
		pairing = "embedded"
	}
	return fmt.Sprintf("[Storage: %q, Socket: %q, Max file: %s, Max frame: %s, Pairing: %s]",
		c.StoragePath, c.Socket,
		humanize.IBytes(uint64(c.MaxFileBytes)),
		humanize.IBytes(uint64(c.MaxFrameBytes)),
		pairing)
}

// GetLogLevel converts the level string to its corresponding int value. It
// returns an error if the level is invalid.
func GetLogLevel(level string) (uint32, error) {
	var l uint32
	switch strings.ToLower(level) {
	case "debug":
		l = uint32(log.DebugLevel)
	case "info":
		l = uint32(log.InfoLevel)
	case "warn":
		l = uint32(log.WarnLevel)
	case "error":
		l = uint32(log.ErrorLevel)
	default:
		return 0, fmt.Errorf("Invalid log.level setting %q", level)
	}
	return l, nil
}

// parseBytes accepts either a plain number or a humanized size such as
// "64MB".
func parseBytes(v *viper.Viper, key string) (int64, error) {
	raw := v.GetString(key)
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s setting %q", key, raw)
	}
	return int64(n), nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s setting %q", key, raw)
	}
	return dur, nil
}

// NewConfig creates a new Config with default settings and applies any
// settings from the given configuration file.
func NewConfig(configFile string) (*Config, error) { // nolint: gocyclo
	config := NewDefaultConfig()
	if configFile == "" {
		return config, nil
	}

	v := newViper()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
	}

	for _, key := range v.AllKeys() {
		if _, ok := knownSettings[key]; !ok {
			return nil, fmt.Errorf("Unknown configuration setting %q", key)
		}
	}

	if v.IsSet("storage.path") {
		config.StoragePath = v.GetString("storage.path")
	}

	if v.IsSet("listen.socket") {
		config.Socket = v.GetString("listen.socket")
	}

	if v.IsSet("log.level") {
		level, err := GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = level
	}

	if v.IsSet("log.silent") {
		config.LogSilent = v.GetBool("log.silent")
	}

	if v.IsSet("protocol.max_frame_bytes") {
		n, err := parseBytes(v, "protocol.max_frame_bytes")
		if err != nil {
			return nil, err
		}
		config.MaxFrameBytes = int(n)
	}

	if v.IsSet("protocol.crc") {
		config.CRC = v.GetBool("protocol.crc")
	}

	if v.IsSet("transfer.max_file_bytes") {
		n, err := parseBytes(v, "transfer.max_file_bytes")
		if err != nil {
			return nil, err
		}
		config.MaxFileBytes = n
	}

	if v.IsSet("timeouts.operation") {
		dur, err := parseDuration(v, "timeouts.operation")
		if err != nil {
			return nil, err
		}
		config.OperationTimeout = dur
	}

	if v.IsSet("timeouts.pairing") {
		dur, err := parseDuration(v, "timeouts.pairing")
		if err != nil {
			return nil, err
		}
		config.PairingTimeout = dur
	}

	if err := parsePairingConfig(config, v); err != nil {
		return nil, err
	}

	if v.IsSet("mirrors.defaults") {
		config.DefaultMirrors = v.GetStringSlice("mirrors.defaults")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// parsePairingConfig parses the `pairing` section of a config file and
// populates the given Config.
func parsePairingConfig(config *Config, v *viper.Viper) error {
	if v.IsSet("pairing.nats_servers") {
		config.Pairing.NATSServers = v.GetStringSlice("pairing.nats_servers")
	}
	if v.IsSet("pairing.subject_prefix") {
		config.Pairing.SubjectPrefix = v.GetString("pairing.subject_prefix")
	}
	if v.IsSet("pairing.embedded") {
		config.Pairing.Embedded = v.GetBool("pairing.embedded")
	}
	return nil
}
