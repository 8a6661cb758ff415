// Package config loads the relay server and client configuration from YAML
// files with koanf.
//
// Both files are optional. When no path is given the default location is tried
// and a missing file means built-in defaults; a path given explicitly must exist.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"

	"github.com/doughall/shellrelay/internal/logging"
)

// Default file locations.
const (
	DefaultServerConfigPath = "/etc/shellrelay/server.yaml"
	DefaultClientConfigPath = "/etc/shellrelay/client.yaml"
)

// Built-in defaults.
const (
	DefaultPort                = 5000
	DefaultShell               = "/bin/sh"
	DefaultMaxMessageBytes     = 1 << 20
	DefaultPingIntervalSeconds = 30
	DefaultServerURL           = "http://localhost:5000"
	DefaultWaitTimeoutSeconds  = 10
)

// Validation errors.
var (
	ErrInvalidPort            = errors.New("port must be between 1 and 65535")
	ErrShellRequired          = errors.New("shell is required")
	ErrInvalidLogLevel        = errors.New("log_level must be one of debug, info, warn, error")
	ErrInvalidMaxMessageBytes = errors.New("max_message_bytes must be positive")
	ErrInvalidPingInterval    = errors.New("ping_interval_seconds must not be negative")
	ErrInvalidServerURL       = errors.New("server_url must be an absolute http, https, ws or wss URL")
	ErrInvalidWaitTimeout     = errors.New("wait_timeout_seconds must not be negative")
)

// Server is the relay server configuration.
type Server struct {
	// Port is the TCP port the HTTP server listens on, on all interfaces.
	Port int `koanf:"port" yaml:"port"`

	// Shell interprets every command as `<shell> -c <text>`.
	Shell string `koanf:"shell" yaml:"shell"`

	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// MaxMessageBytes bounds a single inbound frame; larger frames close the connection.
	MaxMessageBytes int64 `koanf:"max_message_bytes" yaml:"max_message_bytes"`

	// PingIntervalSeconds is the keepalive interval. 0 disables keepalive.
	PingIntervalSeconds int `koanf:"ping_interval_seconds" yaml:"ping_interval_seconds"`
}

// Client is the relay client configuration.
type Client struct {
	ServerURL string `koanf:"server_url" yaml:"server_url"`
	LogLevel  string `koanf:"log_level" yaml:"log_level"`

	// WaitTimeoutSeconds is how long the client waits for the server to become
	// healthy before dialing. 0 dials immediately.
	WaitTimeoutSeconds int `koanf:"wait_timeout_seconds" yaml:"wait_timeout_seconds"`
}

// LoadServer reads the server configuration from path, or from
// DefaultServerConfigPath when path is empty.
func LoadServer(path string) (*Server, error) {
	k, err := load(path, DefaultServerConfigPath)
	if err != nil {
		return nil, err
	}

	var cfg Server
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	// 0 is meaningful for the ping interval, so only a missing key gets the default.
	if !k.Exists("ping_interval_seconds") {
		cfg.PingIntervalSeconds = DefaultPingIntervalSeconds
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultServer returns the configuration used when no file exists.
func DefaultServer() *Server {
	cfg := &Server{PingIntervalSeconds: DefaultPingIntervalSeconds}
	cfg.applyDefaults()
	return cfg
}

func (c *Server) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
}

// Validate checks field ranges. It is called by LoadServer and again by the
// server binary after command-line overrides are applied.
func (c *Server) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.Shell == "" {
		return ErrShellRequired
	}
	if !logging.ValidLevel(c.LogLevel) {
		return ErrInvalidLogLevel
	}
	if c.MaxMessageBytes <= 0 {
		return ErrInvalidMaxMessageBytes
	}
	if c.PingIntervalSeconds < 0 {
		return ErrInvalidPingInterval
	}
	return nil
}

// Addr is the listen address for the configured port.
func (c *Server) Addr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// PingInterval returns the keepalive interval as a duration.
func (c *Server) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// LoadClient reads the client configuration from path, or from
// DefaultClientConfigPath when path is empty.
func LoadClient(path string) (*Client, error) {
	k, err := load(path, DefaultClientConfigPath)
	if err != nil {
		return nil, err
	}

	var cfg Client
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client config: %w", err)
	}
	if !k.Exists("wait_timeout_seconds") {
		cfg.WaitTimeoutSeconds = DefaultWaitTimeoutSeconds
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultClient returns the configuration used when no file exists.
func DefaultClient() *Client {
	cfg := &Client{WaitTimeoutSeconds: DefaultWaitTimeoutSeconds}
	cfg.applyDefaults()
	return cfg
}

func (c *Client) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
}

// Validate checks field ranges.
func (c *Client) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return ErrInvalidServerURL
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return ErrInvalidServerURL
	}
	if !logging.ValidLevel(c.LogLevel) {
		return ErrInvalidLogLevel
	}
	if c.WaitTimeoutSeconds < 0 {
		return ErrInvalidWaitTimeout
	}
	return nil
}

// WaitTimeout returns the readiness wait as a duration.
func (c *Client) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

// load returns a koanf instance for path. An empty path falls back to
// defaultPath, which may be absent.
func load(path, defaultPath string) (*koanf.Koanf, error) {
	k := koanf.New(".")

	optional := path == ""
	if optional {
		path = defaultPath
	}

	if _, err := os.Stat(path); err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return k, nil
		}
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return k, nil
}

// Marshal renders cfg as YAML, in the same layout the loaders read.
// relay-server --print-config uses it.
func Marshal(cfg any) ([]byte, error) {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
