package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	Port      string `env:"PORT" default:"3000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	StaticDir string `env:"STATIC_DIR" default:"public"`

	ProbeInterval   time.Duration `env:"PROBE_INTERVAL" default:"30s"`
	WriteWait       time.Duration `env:"WRITE_WAIT" default:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE" default:"65536"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE" default:"256"`

	ConnectRate  float64 `env:"CONNECT_RATE" default:"10"`
	ConnectBurst int     `env:"CONNECT_BURST" default:"20"`

	// TrustedProxies is a space separated list of addresses or CIDR ranges
	// whose X-Forwarded-For and X-Real-IP headers are honoured.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// ProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (c *Config) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Port == "" {
		return errors.New("PORT is required")
	}

	durations := map[string]time.Duration{
		"PROBE_INTERVAL":   cfg.ProbeInterval,
		"WRITE_WAIT":       cfg.WriteWait,
		"SHUTDOWN_TIMEOUT": cfg.ShutdownTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if cfg.MaxMessageSize <= 0 {
		return fmt.Errorf("MAX_MESSAGE_SIZE must be positive, got %d", cfg.MaxMessageSize)
	}
	if cfg.SendBufferSize <= 0 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", cfg.SendBufferSize)
	}
	if cfg.ConnectRate <= 0 || cfg.ConnectBurst <= 0 {
		return errors.New("CONNECT_RATE and CONNECT_BURST must be positive")
	}

	if _, err := cfg.ProxyPrefixes(); err != nil {
		return err
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	return nil
}
