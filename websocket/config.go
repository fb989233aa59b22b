package websocket

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds file-based settings for a Server or Dialer.
type Config struct {
	Addr             string        `yaml:"addr" toml:"addr"`
	Path             string        `yaml:"path" toml:"path"`
	Subprotocols     []string      `yaml:"subprotocols" toml:"subprotocols"`
	MaxMessageSize   int64         `yaml:"max_message_size" toml:"max_message_size"`
	ReadBufferSize   int           `yaml:"read_buffer_size" toml:"read_buffer_size"`
	CloseTimeout     time.Duration `yaml:"close_timeout" toml:"close_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	MaxRedirects     int           `yaml:"max_redirects" toml:"max_redirects"`
}

// DefaultConfig returns the settings used for keys a file leaves out.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		ReadBufferSize:   defaultReadBufferSize,
		CloseTimeout:     defaultCloseTimeout,
		HandshakeTimeout: 10 * time.Second,
		MaxRedirects:     defaultMaxRedirects,
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file over
// DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported format %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with /: %q", c.Path)
	}
	for i, p := range c.Subprotocols {
		if !isToken(p) {
			return fmt.Errorf("subprotocols[%d] is not a token: %q", i, p)
		}
		if slices.Contains(c.Subprotocols[:i], p) {
			return fmt.Errorf("subprotocols[%d] is duplicated: %q", i, p)
		}
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("max_message_size must not be negative")
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read_buffer_size must be positive")
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative")
	}
	return nil
}

// NewServer returns a Server configured from c. Subprotocols lists the
// server's protocols in order of preference.
func (c Config) NewServer() *Server {
	s := &Server{
		Addr:             c.Addr,
		Path:             c.Path,
		HandshakeTimeout: c.HandshakeTimeout,
		ReadBufferSize:   c.ReadBufferSize,
		MaxMessageSize:   c.MaxMessageSize,
		CloseTimeout:     c.CloseTimeout,
	}

	if len(c.Subprotocols) > 0 {
		supported := slices.Clone(c.Subprotocols)
		s.SelectProtocol = func(offered []string) string {
			for _, p := range supported {
				if slices.Contains(offered, p) {
					return p
				}
			}
			return ""
		}
	}
	return s
}

// NewDialer returns a Dialer configured from c. Subprotocols are offered in
// order.
func (c Config) NewDialer() *Dialer {
	return &Dialer{
		HandshakeTimeout: c.HandshakeTimeout,
		Subprotocols:     slices.Clone(c.Subprotocols),
		MaxRedirects:     c.MaxRedirects,
		CloseTimeout:     c.CloseTimeout,
		MaxMessageSize:   c.MaxMessageSize,
		ReadBufferSize:   c.ReadBufferSize,
	}
}
