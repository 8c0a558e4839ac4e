package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr  = "127.0.0.1:6380"
	DefaultBackendAddr = "127.0.0.1:6379"
)

type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Backend BackendConfig `yaml:"backend"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Logging LoggingConfig `yaml:"logging"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}
type BackendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProxyConfig 连接级参数，IdleTimeout 为 0 表示不设超时
type ProxyConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	NoDelay     bool          `yaml:"no_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration used when no file and no arguments are given.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Host: "127.0.0.1", Port: 6380},
		Backend: BackendConfig{Host: "127.0.0.1", Port: 6379},
		Proxy: ProxyConfig{
			DialTimeout: 10 * time.Second,
			NoDelay:     true,
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Load reads a YAML file on top of Default, so omitted keys keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Listen.Host, strconv.Itoa(c.Listen.Port))
}

func (c *Config) BackendAddr() string {
	return net.JoinHostPort(c.Backend.Host, strconv.Itoa(c.Backend.Port))
}

// SetListenAddr overrides the listen host and port from an "ip:port" string.
func (c *Config) SetListenAddr(addr string) error {
	ap, err := ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	c.Listen.Host, c.Listen.Port = ap.Addr().String(), int(ap.Port())
	return nil
}

// SetBackendAddr overrides the backend host and port from an "ip:port" string.
func (c *Config) SetBackendAddr(addr string) error {
	ap, err := ParseAddr(addr)
	if err != nil {
		return fmt.Errorf("backend address: %w", err)
	}
	c.Backend.Host, c.Backend.Port = ap.Addr().String(), int(ap.Port())
	return nil
}

// Validate rejects anything that cannot be used as a socket address or
// a negative timeout. The caller treats a non-nil error as fatal.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseAddr(c.ListenAddr()); err != nil {
		errs = append(errs, fmt.Errorf("listen address: %w", err))
	}
	if _, err := ParseAddr(c.BackendAddr()); err != nil {
		errs = append(errs, fmt.Errorf("backend address: %w", err))
	}
	if c.Proxy.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("proxy.dial_timeout must not be negative: %s", c.Proxy.DialTimeout))
	}
	if c.Proxy.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("proxy.idle_timeout must not be negative: %s", c.Proxy.IdleTimeout))
	}
	return errors.Join(errs...)
}

// ParseAddr parses an "ip:port" socket address. Host names are not accepted.
func ParseAddr(addr string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid socket address %q: %w", addr, err)
	}
	return ap, nil
}
