// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/wapilink/pkg/wapi"
)

// SerialConfig selects the local serial port.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	// Power is the module supply control: "none" or "lines" (DTR drives
	// power, RTS drives wake).
	Power string `yaml:"power"`
	// ActiveLow inverts both control lines.
	ActiveLow bool `yaml:"active_low"`
}

// WebSocketConfig selects a remote serial bridge.
type WebSocketConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	NoSSLVerify bool   `yaml:"no_ssl_verify"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TimingConfig scales the driver timeouts.
type TimingConfig struct {
	Standard time.Duration `yaml:"standard"`
	Long     time.Duration `yaml:"long"`
	Interval time.Duration `yaml:"interval"`
	// Settle is waited after each power transition.
	Settle time.Duration `yaml:"settle"`
}

// SendConfig configures the periodic test send of the run command.
type SendConfig struct {
	Interval time.Duration `yaml:"interval"`
	Payload  int           `yaml:"payload"`
	BufSize  int           `yaml:"buf_size"`
}

// Config is the CLI configuration. Sources apply in the order they are
// given to LoadConfig, so later ones win.
type Config struct {
	Serial      SerialConfig    `yaml:"serial"`
	WebSocket   WebSocketConfig `yaml:"websocket"`
	Log         LogConfig       `yaml:"log"`
	Timing      TimingConfig    `yaml:"timing"`
	Send        SendConfig      `yaml:"send"`
	StorePath   string          `yaml:"store"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Auth        string          `yaml:"auth"`
	Simulate    bool            `yaml:"simulate"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
// and validates the result.
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.Serial.Baud = 115200
		c.Serial.Power = "none"
		c.Log.Level = "info"
		c.Log.Format = "text"
		c.Timing.Standard = wapi.DefaultStandardTimeout
		c.Timing.Long = wapi.DefaultLongTimeout
		c.Timing.Interval = wapi.DefaultInterval
		c.Timing.Settle = 2 * time.Second
		c.Send.Interval = time.Second
		c.Send.Payload = maxPayload(wapi.SendBufSize)
		c.Send.BufSize = wapi.SendBufSize
		c.StorePath = "wapilink.cbor"
		c.Auth = "cert"
		return nil
	}
}

// WithEnvFile loads a dotenv file into the process environment. An empty
// path tries ".env" and ignores its absence.
func WithEnvFile(path string) ConfigOption {
	return func(c *Config) error {
		optional := path == ""
		if optional {
			path = ".env"
		}
		if err := godotenv.Load(path); err != nil {
			if optional && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
}

// WithFile overlays a YAML file. An empty path is a no-op.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from WAPILINK_* environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		str := map[string]*string{
			"WAPILINK_PORT":         &c.Serial.Port,
			"WAPILINK_POWER":        &c.Serial.Power,
			"WAPILINK_URL":          &c.WebSocket.URL,
			"WAPILINK_USERNAME":     &c.WebSocket.Username,
			"WAPILINK_LOG_LEVEL":    &c.Log.Level,
			"WAPILINK_LOG_FORMAT":   &c.Log.Format,
			"WAPILINK_STORE":        &c.StorePath,
			"WAPILINK_METRICS_ADDR": &c.MetricsAddr,
			"WAPILINK_AUTH":         &c.Auth,
		}
		for name, dst := range str {
			if v := os.Getenv(name); v != "" {
				*dst = v
			}
		}

		if baud := os.Getenv("WAPILINK_BAUD"); baud != "" {
			b, err := strconv.Atoi(baud)
			if err != nil {
				return fmt.Errorf("WAPILINK_BAUD: %w", err)
			}
			c.Serial.Baud = b
		}

		if sim := os.Getenv("WAPILINK_SIMULATE"); sim != "" {
			b, err := strconv.ParseBool(sim)
			if err != nil {
				return fmt.Errorf("WAPILINK_SIMULATE: %w", err)
			}
			c.Simulate = b
		}

		return nil
	}
}

// WithFlags applies the flags that were set on the command line
func WithFlags(fSet *pflag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *pflag.Flag) {
			if err != nil {
				return
			}
			v := f.Value.String()
			switch f.Name {
			case "port":
				c.Serial.Port = v
			case "baud":
				c.Serial.Baud, err = strconv.Atoi(v)
			case "power":
				c.Serial.Power = v
			case "active-low":
				c.Serial.ActiveLow, err = strconv.ParseBool(v)
			case "url":
				c.WebSocket.URL = v
			case "username":
				c.WebSocket.Username = v
			case "no-ssl-verify":
				c.WebSocket.NoSSLVerify, err = strconv.ParseBool(v)
			case "log-level":
				c.Log.Level = v
			case "log-format":
				c.Log.Format = v
			case "store":
				c.StorePath = v
			case "metrics-addr":
				c.MetricsAddr = v
			case "auth":
				c.Auth = v
			case "simulate":
				c.Simulate, err = strconv.ParseBool(v)
			case "settle":
				c.Timing.Settle, err = time.ParseDuration(v)
			case "send-interval":
				c.Send.Interval, err = time.ParseDuration(v)
			case "payload":
				c.Send.Payload, err = strconv.Atoi(v)
			case "send-buf":
				c.Send.BufSize, err = strconv.Atoi(v)
			}
			if err != nil {
				err = fmt.Errorf("flag --%s: %w", f.Name, err)
			}
		})
		return err
	}
}

func (c *Config) validate() error {
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Serial.Baud)
	}
	switch c.Serial.Power {
	case "none", "lines":
	default:
		return fmt.Errorf("invalid power control %q (use none or lines)", c.Serial.Power)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (use text or json)", c.Log.Format)
	}
	switch c.Auth {
	case "cert", "pwd":
	default:
		return fmt.Errorf("invalid auth %q (use cert or pwd)", c.Auth)
	}
	if c.Send.Payload <= 0 {
		return fmt.Errorf("invalid payload size %d", c.Send.Payload)
	}
	if n := wapi.SendLen(c.Send.Payload); n > c.Send.BufSize {
		return fmt.Errorf("payload of %d bytes needs a %d byte send buffer (have %d, max payload %d)",
			c.Send.Payload, n, c.Send.BufSize, maxPayload(c.Send.BufSize))
	}
	return nil
}

// maxPayload is the largest user payload a send buffer of size n holds.
func maxPayload(n int) int {
	return (n - wapi.SendLen(0)) / 2
}
