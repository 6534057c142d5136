package wsclient

import (
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config controls a client connection. The zero value is not usable; start
// from DefaultConfig. Fields with a mapstructure tag can be loaded with
// DecodeConfig or LoadConfig.
type Config struct {
	// MaxMessageSize bounds every data frame and every reassembled
	// message.
	MaxMessageSize int64 `mapstructure:"max_message_size"`

	// FragmentSize is the payload size at which a MessageWriter emits a
	// frame and keeps the message open.
	FragmentSize int `mapstructure:"fragment_size"`

	ReadBufferSize  int `mapstructure:"read_buffer_size"`
	WriteBufferSize int `mapstructure:"write_buffer_size"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// CloseTimeout is how long Close waits for the peer to echo CLOSE
	// before dropping the socket.
	CloseTimeout time.Duration `mapstructure:"close_timeout"`

	Subprotocols []string          `mapstructure:"subprotocols"`
	Origin       string            `mapstructure:"origin"`
	Header       map[string]string `mapstructure:"header"`

	// IdleTimeout offers the x-kaazing-idle-timeout extension.
	IdleTimeout bool `mapstructure:"idle_timeout"`

	Logger     hclog.Logger       `mapstructure:"-"`
	Extensions []ExtensionFactory `mapstructure:"-"`
	Upgrader   Upgrader           `mapstructure:"-"`
	NetDial    DialFunc           `mapstructure:"-"`
	TLSConfig  *tls.Config        `mapstructure:"-"`

	// PongHandler, when set, is called from the read loop with the payload
	// of every PONG.
	PongHandler func(payload []byte) `mapstructure:"-"`

	// Rand is the source of mask keys and handshake nonces. It must be
	// cryptographically secure; nil means crypto/rand.
	Rand io.Reader `mapstructure:"-"`
}

// DefaultConfig returns a Config with every limit set.
func DefaultConfig() *Config {
	return &Config{
		MaxMessageSize:   defaultMaxMessageSize,
		FragmentSize:     defaultFragmentSize,
		ReadBufferSize:   defaultIOBufferSize,
		WriteBufferSize:  defaultIOBufferSize,
		HandshakeTimeout: 10 * time.Second,
		CloseTimeout:     5 * time.Second,
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("max_message_size must be positive")
	case c.FragmentSize <= 0:
		return fmt.Errorf("fragment_size must be positive")
	case int64(c.FragmentSize) > c.MaxMessageSize:
		return fmt.Errorf("fragment_size %d exceeds max_message_size %d", c.FragmentSize, c.MaxMessageSize)
	case c.ReadBufferSize < 0 || c.WriteBufferSize < 0:
		return fmt.Errorf("buffer sizes cannot be negative")
	case c.HandshakeTimeout < 0 || c.CloseTimeout < 0:
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

// Clone returns a shallow copy with its own Subprotocols, Header and
// Extensions.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Subprotocols = append([]string(nil), c.Subprotocols...)
	clone.Extensions = append([]ExtensionFactory(nil), c.Extensions...)
	if c.Header != nil {
		clone.Header = make(map[string]string, len(c.Header))
		for k, v := range c.Header {
			clone.Header[k] = v
		}
	}
	return &clone
}

func (c *Config) extensionFactories() []ExtensionFactory {
	factories := c.Extensions
	if c.IdleTimeout {
		factories = append(append([]ExtensionFactory(nil), factories...), IdleTimeoutFactory{})
	}
	return factories
}

// DecodeConfig applies raw on top of DefaultConfig. Durations may be given
// as strings such as "5s".
func DecodeConfig(raw map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Metadata:         &md,
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(md.Unused) > 0 {
		return nil, fmt.Errorf("decode config: unknown keys %v", md.Unused)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML document and decodes it with DecodeConfig.
func LoadConfig(r io.Reader) (*Config, error) {
	raw := make(map[string]interface{})
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return DecodeConfig(raw)
}
