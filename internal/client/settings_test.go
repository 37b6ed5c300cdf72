package client

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/hookup/internal/handshake"
	"github.com/nextlevelbuilder/hookup/internal/throttle"
)

func TestNewSettingsNormalizesEmptyPath(t *testing.T) {
	s, err := NewSettings("ws://example.com")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if s.URL.Path != "/" {
		t.Errorf("path: %q", s.URL.Path)
	}
}

func TestNewSettingsRejectsNonWebSocketScheme(t *testing.T) {
	if _, err := NewSettings("http://example.com"); err == nil {
		t.Fatal("expected error for http scheme")
	}
}

func TestNewSettingsDefaults(t *testing.T) {
	s, err := NewSettings("wss://example.com/live")
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if s.Version != handshake.V13 {
		t.Errorf("version: %v", s.Version)
	}
	if s.ConnectTimeout != 5*time.Second {
		t.Errorf("connect timeout: %v", s.ConnectTimeout)
	}
	if _, ok := s.Throttle.(throttle.None); !ok {
		t.Errorf("default throttle: %T", s.Throttle)
	}
	if s.Buffer != nil {
		t.Errorf("default buffer must be nil")
	}
	if s.Pinging != 0 {
		t.Errorf("default pinging: %v", s.Pinging)
	}
}

func TestNewSettingsOptions(t *testing.T) {
	s, err := NewSettings("ws://example.com/socket",
		WithVersion(handshake.V00),
		WithHeader("Authorization", "Bearer tok"),
		WithProtocols("chat", "superchat"),
		WithPinging(30*time.Second),
		WithThrottle(throttle.Fixed{Every: time.Second}),
		WithConnectTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if s.Version != handshake.V00 {
		t.Errorf("version: %v", s.Version)
	}
	if s.Headers.Get("Authorization") != "Bearer tok" {
		t.Errorf("header missing")
	}
	if len(s.Protocols) != 2 {
		t.Errorf("protocols: %v", s.Protocols)
	}
	if s.Pinging != 30*time.Second {
		t.Errorf("pinging: %v", s.Pinging)
	}
	if s.ConnectTimeout != 2*time.Second {
		t.Errorf("connect timeout: %v", s.ConnectTimeout)
	}
}
