// Package config loads client settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/hookup/internal/buffer"
	"github.com/nextlevelbuilder/hookup/internal/client"
	"github.com/nextlevelbuilder/hookup/internal/handshake"
	"github.com/nextlevelbuilder/hookup/internal/throttle"
	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

// File is the YAML shape of a client configuration. Durations are strings
// in Go syntax ("100ms", "30s").
type File struct {
	URL            string            `yaml:"url"`
	Version        string            `yaml:"version"` // "rfc6455" (default) or "hixie-76"
	Headers        map[string]string `yaml:"headers"`
	Protocols      []string          `yaml:"protocols"`
	Pinging        string            `yaml:"pinging"`
	ConnectTimeout string            `yaml:"connect_timeout"`
	Throttle       ThrottleFile      `yaml:"throttle"`
	Buffer         BufferFile        `yaml:"buffer"`
}

// ThrottleFile selects a reconnect schedule. Attempts caps any kind at a
// fixed number of retries; zero means unlimited.
type ThrottleFile struct {
	Kind     string   `yaml:"kind"` // none | fixed | exponential | schedule
	Delay    string   `yaml:"delay"`
	Cap      string   `yaml:"cap"`
	Factor   float64  `yaml:"factor"` // exponential growth; 0 means doubling
	Delays   []string `yaml:"delays"`
	Attempts int      `yaml:"attempts"`
}

// BufferFile selects a backup buffer. Size caps the queue length, dropping
// the oldest entries on overflow; zero means unbounded.
type BufferFile struct {
	Kind string `yaml:"kind"` // none | memory | sqlite
	Path string `yaml:"path"` // sqlite only
	Size int    `yaml:"size"`
}

// Load reads and parses a settings file.
func Load(path string) (client.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return client.Settings{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds Settings from YAML bytes, applying defaults and validating
// every field.
func Parse(data []byte) (client.Settings, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return client.Settings{}, fmt.Errorf("parse config: %w", err)
	}
	if f.URL == "" {
		return client.Settings{}, fmt.Errorf("config: url is required")
	}

	var opts []client.Option

	switch f.Version {
	case "", "rfc6455":
	case "hixie-76":
		opts = append(opts, client.WithVersion(handshake.V00))
	default:
		return client.Settings{}, fmt.Errorf("config: unknown version %q", f.Version)
	}

	for k, v := range f.Headers {
		opts = append(opts, client.WithHeader(k, v))
	}
	if len(f.Protocols) > 0 {
		opts = append(opts, client.WithProtocols(f.Protocols...))
	}

	if f.Pinging != "" {
		d, err := parseDuration("pinging", f.Pinging)
		if err != nil {
			return client.Settings{}, err
		}
		opts = append(opts, client.WithPinging(d))
	}
	if f.ConnectTimeout != "" {
		d, err := parseDuration("connect_timeout", f.ConnectTimeout)
		if err != nil {
			return client.Settings{}, err
		}
		opts = append(opts, client.WithConnectTimeout(d))
	}

	th, err := buildThrottle(f.Throttle)
	if err != nil {
		return client.Settings{}, err
	}
	if th != nil {
		opts = append(opts, client.WithThrottle(th))
	}

	buf, err := buildBuffer(f.Buffer)
	if err != nil {
		return client.Settings{}, err
	}
	if buf != nil {
		opts = append(opts, client.WithBuffer(buf))
	}

	return client.NewSettings(f.URL, opts...)
}

func buildThrottle(f ThrottleFile) (throttle.Throttle, error) {
	if f.Attempts < 0 {
		return nil, fmt.Errorf("config: throttle.attempts must not be negative")
	}
	if f.Factor < 0 {
		return nil, fmt.Errorf("config: throttle.factor must not be negative")
	}

	var th throttle.Throttle
	switch f.Kind {
	case "", "none":
		return nil, nil
	case "fixed":
		d, err := parseDuration("throttle.delay", f.Delay)
		if err != nil {
			return nil, err
		}
		th = throttle.Fixed{Every: d}
	case "exponential":
		d, err := parseDuration("throttle.delay", f.Delay)
		if err != nil {
			return nil, err
		}
		cap, err := parseDuration("throttle.cap", f.Cap)
		if err != nil {
			return nil, err
		}
		th = throttle.Exponential{Wait: d, Cap: cap, Factor: f.Factor}
	case "schedule":
		delays := make([]time.Duration, 0, len(f.Delays))
		for _, raw := range f.Delays {
			d, err := parseDuration("throttle.delays", raw)
			if err != nil {
				return nil, err
			}
			delays = append(delays, d)
		}
		th = throttle.Schedule{Delays: delays}
	default:
		return nil, fmt.Errorf("config: unknown throttle kind %q", f.Kind)
	}

	if f.Attempts > 0 {
		th = throttle.Limited{Inner: th, Attempts: f.Attempts}
	}
	return th, nil
}

func buildBuffer(f BufferFile) (buffer.Buffer, error) {
	if f.Size < 0 {
		return nil, fmt.Errorf("config: buffer.size must not be negative")
	}
	switch f.Kind {
	case "", "none":
		return nil, nil
	case "memory":
		return buffer.NewMemory(f.Size), nil
	case "sqlite":
		if f.Path == "" {
			return nil, fmt.Errorf("config: sqlite buffer requires a path")
		}
		return buffer.NewSQLite(f.Path, wire.JSONFormat{}, f.Size), nil
	default:
		return nil, fmt.Errorf("config: unknown buffer kind %q", f.Kind)
	}
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", field)
	}
	return d, nil
}
