// Package config carries the engine's tunables. Values come from defaults, a
// YAML file, or flag overrides in the front-end binary.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultPort = "1935"

// BufioSize is the size of the buffered reader and writer wrapping each
// connection.
const BufioSize = 64 * 1024

// Values advertised in the connect _result, matching what lenient encoders
// expect from a Flash Media Server.
const (
	FlashMediaServerVersion = "FMS/3,0,1,123"
	Capabilities            = 31
	Mode                    = 1
)

// Peer bandwidth limit types accepted in the config file.
const (
	LimitHard    = "hard"
	LimitSoft    = "soft"
	LimitDynamic = "dynamic"
)

type Config struct {
	// BindAddr is the host:port the server listens on.
	BindAddr string `yaml:"bind_addr"`
	// ChunkSizeOut is the chunk size announced to publishers after connect.
	ChunkSizeOut uint32 `yaml:"default_chunk_size_out"`
	// WindowAckSize is the acknowledgement window advertised to the peer.
	WindowAckSize uint32 `yaml:"window_ack_size"`
	// PeerBandwidth and PeerBandwidthLimit form the Set Peer Bandwidth
	// message sent during connect.
	PeerBandwidth      uint32 `yaml:"peer_bandwidth"`
	PeerBandwidthLimit string `yaml:"peer_bandwidth_limit"`
	// ReadTimeoutMs bounds every socket read; 0 means unbounded.
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	// MaxMessageSize rejects messages with absurd declared lengths before
	// buffering them.
	MaxMessageSize uint32 `yaml:"max_message_size"`
	// Development switches the logger to human-readable output.
	Development bool `yaml:"development"`
}

func Default() *Config {
	return &Config{
		BindAddr:           "0.0.0.0:" + DefaultPort,
		ChunkSizeOut:       4096,
		WindowAckSize:      2500000,
		PeerBandwidth:      2500000,
		PeerBandwidthLimit: LimitDynamic,
		ReadTimeoutMs:      0,
		MaxMessageSize:     16 << 20,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return errors.New("config: bind_addr must not be empty")
	}
	if c.ChunkSizeOut < 128 || c.ChunkSizeOut > 0xFFFFFF {
		return errors.Errorf("config: default_chunk_size_out %d out of range [128, 16777215]", c.ChunkSizeOut)
	}
	if c.WindowAckSize == 0 {
		return errors.New("config: window_ack_size must be positive")
	}
	switch c.PeerBandwidthLimit {
	case LimitHard, LimitSoft, LimitDynamic:
	default:
		return errors.Errorf("config: peer_bandwidth_limit %q must be hard, soft, or dynamic", c.PeerBandwidthLimit)
	}
	if c.ReadTimeoutMs < 0 {
		return errors.New("config: read_timeout_ms must not be negative")
	}
	if c.MaxMessageSize == 0 {
		return errors.New("config: max_message_size must be positive")
	}
	return nil
}

// LimitTypeByte maps the configured limit name onto its wire value.
func (c *Config) LimitTypeByte() uint8 {
	switch c.PeerBandwidthLimit {
	case LimitHard:
		return 0
	case LimitSoft:
		return 1
	default:
		return 2
	}
}
