// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mecho

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/absmach/mecho/pkg/handler"
	"github.com/absmach/mecho/pkg/relay"
	"github.com/caarlos0/env/v11"
)

const (
	// DefaultPort is used when Port is unset and TLS is disabled.
	DefaultPort = 8080
	// DefaultSecurePort is used when Port is unset and TLS is enabled.
	DefaultSecurePort = 8443
	// DefaultIdleTimeout closes connections that stay silent for this long.
	DefaultIdleTimeout = 10 * time.Second
	// EnvPrefix is the default prefix of every environment variable.
	EnvPrefix = "MECHO_"
)

var (
	errInvalidPolicy  = errors.New("invalid overload policy")
	errInvalidPort    = errors.New("port out of range")
	errInvalidSize    = errors.New("buffer and queue sizes must be positive")
	errInvalidTimeout = errors.New("idle timeout must be positive")
	errMissingKey     = errors.New("certificate file configured without key file")
)

// Config holds the echo server configuration. It is built once at startup
// and never mutated afterwards.
type Config struct {
	Host    string `env:"HOST"    envDefault:""`
	Port    int    `env:"PORT"    envDefault:"0"`
	Secure  bool   `env:"SECURE"  envDefault:"false"`
	Wiretap bool   `env:"WIRETAP" envDefault:"false"`

	WiretapFormat string `env:"WIRETAP_FORMAT" envDefault:"hex"`

	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT"      envDefault:"10s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT"     envDefault:"0s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	BufferSize     int    `env:"BUFFER_SIZE"     envDefault:"16384"`
	QueueSize      int    `env:"QUEUE_SIZE"      envDefault:"16"`
	OverloadPolicy string `env:"OVERLOAD_POLICY" envDefault:"suspend"`

	CertFile string `env:"CERT_FILE" envDefault:""`
	KeyFile  string `env:"KEY_FILE"  envDefault:""`

	// TCP options
	TCPKeepAlive   time.Duration `env:"TCP_KEEPALIVE"    envDefault:"30s"`
	DisableNoDelay bool          `env:"DISABLE_NODELAY"  envDefault:"false"`
	ReusePort      bool          `env:"REUSE_PORT"       envDefault:"false"`

	// Accept limiter, disabled when AcceptBurst is zero.
	AcceptBurst int64 `env:"ACCEPT_BURST" envDefault:"0"`
	AcceptRate  int64 `env:"ACCEPT_RATE"  envDefault:"0"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"0"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"text"`

	// Health limits, disabled when zero.
	MaxGoroutines int   `env:"MAX_GOROUTINES" envDefault:"0"`
	MaxBuffers    int64 `env:"MAX_BUFFERS"    envDefault:"0"`
}

// NewConfig parses the configuration from the environment using opts,
// applies overrides in order and resolves derived defaults.
func NewConfig(opts env.Options, overrides ...func(*Config)) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	return cfg.Resolve()
}

// Resolve fills derived defaults and validates the result.
func (c Config) Resolve() (Config, error) {
	if c.Port == 0 {
		c.Port = DefaultPort
		if c.Secure {
			c.Port = DefaultSecurePort
		}
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for inconsistent values.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", errInvalidPort, c.Port)
	}
	if c.IdleTimeout < 0 {
		return errInvalidTimeout
	}
	if c.BufferSize <= 0 || c.QueueSize <= 0 {
		return errInvalidSize
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := handler.ParseFormat(c.WiretapFormat); err != nil {
		return err
	}
	if c.CertFile != "" && c.KeyFile == "" {
		return errMissingKey
	}
	return nil
}

// Address returns the listen address in host:port form.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Policy returns the relay overload policy.
func (c Config) Policy() (relay.Policy, error) {
	p, err := relay.ParsePolicy(c.OverloadPolicy)
	if err != nil {
		return p, fmt.Errorf("%w: %q", errInvalidPolicy, c.OverloadPolicy)
	}
	return p, nil
}
