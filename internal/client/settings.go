package client

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nextlevelbuilder/hookup/internal/buffer"
	"github.com/nextlevelbuilder/hookup/internal/handshake"
	"github.com/nextlevelbuilder/hookup/internal/throttle"
	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

const defaultConnectTimeout = 5 * time.Second

// Settings is the immutable per-client configuration.
type Settings struct {
	// URL is the normalized endpoint; an empty path is rewritten to "/".
	URL *url.URL
	// Version selects the handshake and framing dialect.
	Version handshake.Version
	// Headers are sent verbatim on the upgrade request.
	Headers http.Header
	// Protocols are the subprotocol tokens offered during negotiation.
	Protocols []string
	// Pinging is the idle interval after which a ping frame is emitted.
	// Zero disables liveness probing.
	Pinging time.Duration
	// Buffer queues messages sent while disconnected. Nil means such
	// messages are dropped (the send still resolves Success).
	Buffer buffer.Buffer
	// Throttle is the reconnect schedule. throttle.None disables automatic
	// reconnection.
	Throttle throttle.Throttle
	// Format translates between messages and text frame payloads.
	Format wire.Format
	// ConnectTimeout bounds the TCP connect plus handshake of one attempt.
	ConnectTimeout time.Duration
}

// Option customizes Settings during construction.
type Option func(*Settings)

func WithVersion(v handshake.Version) Option {
	return func(s *Settings) { s.Version = v }
}

func WithHeader(key, value string) Option {
	return func(s *Settings) { s.Headers.Set(key, value) }
}

func WithProtocols(protocols ...string) Option {
	return func(s *Settings) { s.Protocols = protocols }
}

func WithPinging(idle time.Duration) Option {
	return func(s *Settings) { s.Pinging = idle }
}

func WithBuffer(b buffer.Buffer) Option {
	return func(s *Settings) { s.Buffer = b }
}

func WithThrottle(t throttle.Throttle) Option {
	return func(s *Settings) { s.Throttle = t }
}

func WithFormat(f wire.Format) Option {
	return func(s *Settings) { s.Format = f }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Settings) { s.ConnectTimeout = d }
}

// NewSettings parses and normalizes the endpoint and applies options over
// the defaults: V13, JSON wire format, no pinging, no buffer, no reconnect.
func NewSettings(rawURL string, opts ...Option) (Settings, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Settings{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Settings{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	s := Settings{
		URL:            u,
		Version:        handshake.V13,
		Headers:        http.Header{},
		Throttle:       throttle.None{},
		Format:         wire.JSONFormat{},
		ConnectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.Format == nil {
		s.Format = wire.JSONFormat{}
	}
	if s.Throttle == nil {
		s.Throttle = throttle.None{}
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	return s, nil
}
