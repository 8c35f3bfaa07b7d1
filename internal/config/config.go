// Package config holds the environment and CLI configuration for the server
// and client binaries. Environment variables load first; the binaries bind
// their flags on top of the loaded values, so flags win.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Server configures the tunnel server binary.
type Server struct {
	Listen         string `env:"ONLINE_LISTEN" envDefault:":8765"`
	PortMin        int    `env:"ONLINE_PORT_MIN" envDefault:"10000"`
	PortMax        int    `env:"ONLINE_PORT_MAX" envDefault:"10100"`
	RequestTimeout int    `env:"ONLINE_REQUEST_TIMEOUT" envDefault:"30"` // seconds
	MaxClients     int    `env:"ONLINE_MAX_CLIENTS" envDefault:"0"`     // 0 = bounded by the port range only
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (*Server, error) {
	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the assembled configuration after flags are applied.
func (c *Server) Validate() error {
	if err := validateHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.PortMin < 1 || c.PortMax > 65535 || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range %d-%d", c.PortMin, c.PortMax)
	}
	if c.RequestTimeout < 1 {
		return fmt.Errorf("request timeout must be at least 1 second, got %d", c.RequestTimeout)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max clients must not be negative, got %d", c.MaxClients)
	}
	return nil
}

// PortRange formats the configured range as MIN-MAX, the shape the
// --port-range flag accepts.
func (c *Server) PortRange() string {
	return fmt.Sprintf("%d-%d", c.PortMin, c.PortMax)
}

// SetPortRange parses a MIN-MAX range into the configuration.
func (c *Server) SetPortRange(s string) error {
	min, max, err := ParsePortRange(s)
	if err != nil {
		return err
	}
	c.PortMin, c.PortMax = min, max
	return nil
}

// Client configures the tunnel client binary.
type Client struct {
	LocalPort int    `env:"ONLINE_LOCAL_PORT"`
	Server    string `env:"ONLINE_SERVER" envDefault:"ws://localhost:8765"`
	LocalHost string `env:"ONLINE_LOCAL_HOST" envDefault:"127.0.0.1"`
}

// LoadClient reads the client configuration from the environment.
func LoadClient() (*Client, error) {
	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the assembled configuration after flags are applied.
func (c *Client) Validate() error {
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return fmt.Errorf("invalid local port %d (must be 1-65535)", c.LocalPort)
	}
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("server URL must not be empty")
	}
	if strings.TrimSpace(c.LocalHost) == "" {
		return fmt.Errorf("local host must not be empty")
	}
	return nil
}

// LocalBaseURL returns the base URL tunneled requests are replayed against.
func (c *Client) LocalBaseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.LocalHost, strconv.Itoa(c.LocalPort)))
}

// ParsePortRange parses a "MIN-MAX" public port range.
func ParsePortRange(s string) (min, max int, err error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("port range %q must be MIN-MAX", s)
	}
	min, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("port range %q has a bad minimum: %w", s, err)
	}
	max, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, fmt.Errorf("port range %q has a bad maximum: %w", s, err)
	}
	if min < 1 || max > 65535 || min > max {
		return 0, 0, fmt.Errorf("port range %q out of bounds or out of order", s)
	}
	return min, max, nil
}

func validateHostPort(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("port %q is not a number", port)
	}
	return nil
}
