// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the YAML configuration of the replayd daemon.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/juju/replayrpc/internal/auth"
)

const (
	DefaultHTTPAddress   = "localhost:17080"
	DefaultSocketAddress = "localhost:17081"
	DefaultHTTPPath      = "/rpc"
	DefaultMetricsPath   = "/metrics"
	DefaultIdleTimeout   = time.Minute
	DefaultMaxWait       = 30 * time.Second
	DefaultPruneInterval = time.Minute
	DefaultPruneMaxAge   = time.Hour
	DefaultLogging       = "<root>=INFO"

	DefaultLogFileMaxSize    = 100
	DefaultLogFileMaxBackups = 2
)

// Duration is a time.Duration written as a Go duration string, such as
// "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Trace(err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.NotValidf("duration %q at line %d", s, value.Line)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// HTTP configures the HTTP listener.
type HTTP struct {
	// Address is where the listener binds. Empty disables HTTP.
	Address string `yaml:"address"`

	// Path is the prefix under which requests are served.
	Path string `yaml:"path"`

	// MetricsPath serves the prometheus registry. Empty disables it.
	MetricsPath string `yaml:"metrics-path"`

	// AffinityCookie names the cookie carrying the instance id.
	AffinityCookie string `yaml:"affinity-cookie,omitempty"`
}

// Socket configures the socket listener.
type Socket struct {
	// Address is where the listener binds. Empty disables sockets.
	Address string `yaml:"address"`

	// MaxConns caps concurrent connections. Zero means no limit.
	MaxConns int `yaml:"max-conns,omitempty"`
}

// Prune configures the sweep of abandoned execution contexts.
type Prune struct {
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max-age"`
}

// Config is the daemon configuration.
type Config struct {
	// Logging is a loggo configuration string.
	Logging string `yaml:"logging"`

	// LogFile, if set, receives the log instead of stderr. It is rotated
	// once it reaches LogFileMaxSize megabytes.
	LogFile           string `yaml:"log-file,omitempty"`
	LogFileMaxSize    int    `yaml:"log-file-max-size,omitempty"`
	LogFileMaxBackups int    `yaml:"log-file-max-backups,omitempty"`

	HTTP   HTTP   `yaml:"http"`
	Socket Socket `yaml:"socket"`
	Prune  Prune  `yaml:"prune"`

	// IdleTimeout is both the hint handed to clients and the socket
	// idle limit.
	IdleTimeout Duration `yaml:"idle-timeout"`

	// MaxWait caps how long duplicate arrivals wait.
	MaxWait Duration `yaml:"max-wait"`

	// Users maps user names to passwords. When empty no authentication
	// is required.
	Users map[string]string `yaml:"users,omitempty"`
}

// Default returns the configuration used for absent settings.
func Default() Config {
	return Config{
		Logging:           DefaultLogging,
		LogFileMaxSize:    DefaultLogFileMaxSize,
		LogFileMaxBackups: DefaultLogFileMaxBackups,
		HTTP: HTTP{
			Address:     DefaultHTTPAddress,
			Path:        DefaultHTTPPath,
			MetricsPath: DefaultMetricsPath,
		},
		Socket: Socket{
			Address: DefaultSocketAddress,
		},
		Prune: Prune{
			Interval: Duration(DefaultPruneInterval),
			MaxAge:   Duration(DefaultPruneMaxAge),
		},
		IdleTimeout: Duration(DefaultIdleTimeout),
		MaxWait:     Duration(DefaultMaxWait),
	}
}

// Parse reads a configuration from YAML, keeping defaults for the
// settings it does not mention.
func Parse(data []byte) (Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Annotate(err, "parsing config")
	}
	if err := config.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return config, nil
}

// Read parses the configuration file at path.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, errors.NotFoundf("config file %q", path)
	} else if err != nil {
		return Config{}, errors.Trace(err)
	}
	config, err := Parse(data)
	return config, errors.Annotatef(err, "reading %q", path)
}

// Validate returns an error if the configuration cannot run a daemon.
func (c Config) Validate() error {
	if c.HTTP.Address == "" && c.Socket.Address == "" {
		return errors.NotValidf("config without listeners")
	}
	if c.HTTP.Address != "" && (c.HTTP.Path == "" || c.HTTP.Path[0] != '/') {
		return errors.NotValidf("http path %q", c.HTTP.Path)
	}
	if c.LogFileMaxSize <= 0 || c.LogFileMaxBackups < 0 {
		return errors.NotValidf("log file rotation settings")
	}
	if c.Socket.MaxConns < 0 {
		return errors.NotValidf("negative socket max-conns")
	}
	if c.IdleTimeout <= 0 {
		return errors.NotValidf("idle-timeout %v", time.Duration(c.IdleTimeout))
	}
	if c.MaxWait <= 0 {
		return errors.NotValidf("max-wait %v", time.Duration(c.MaxWait))
	}
	if c.Prune.Interval <= 0 || c.Prune.MaxAge <= 0 {
		return errors.NotValidf("prune settings")
	}
	for user, password := range c.Users {
		if user == "" {
			return errors.NotValidf("empty user name")
		}
		if err := auth.NewPassword(password).Validate(); err != nil {
			return errors.Annotatef(err, "user %q", user)
		}
	}
	return nil
}

// Keys derives the authentication keys of the configured users.
func (c Config) Keys() (auth.StaticKeys, error) {
	keys := make(auth.StaticKeys, len(c.Users))
	for user, password := range c.Users {
		key, err := auth.DeriveKey(user, auth.NewPassword(password))
		if err != nil {
			return nil, errors.Annotatef(err, "user %q", user)
		}
		keys[user] = key
	}
	return keys, nil
}
