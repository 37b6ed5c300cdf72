// Package handshake executes the HTTP upgrade exchange that promotes a TCP
// connection to WebSocket framing, for both RFC 6455 and the legacy
// hixie-76 draft.
package handshake

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Version selects the WebSocket protocol spoken on the wire.
type Version int

const (
	// V13 is RFC 6455, the version everything modern speaks.
	V13 Version = iota
	// V00 is the legacy hixie-76 draft with its MD5 challenge handshake.
	V00
)

func (v Version) String() string {
	switch v {
	case V00:
		return "hixie-76"
	case V13:
		return "rfc6455"
	default:
		return fmt.Sprintf("version(%d)", int(v))
	}
}

// State tracks upgrade progress for one connection attempt.
type State int

const (
	NotStarted State = iota
	Sent
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Sent:
		return "sent"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the frame-level connection a completed handshake produces. The
// gorilla connection satisfies it for V13; hixieConn covers V00.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetPingHandler(h func(appData string) error)
	Subprotocol() string
	Close() error
}

// Error marks a failed upgrade exchange, as opposed to a TCP-level failure.
type Error struct {
	Cause error
}

func (e *Error) Error() string { return "handshake: " + e.Cause.Error() }
func (e *Error) Unwrap() error { return e.Cause }

// IsHandshake reports whether err came from the upgrade exchange itself.
func IsHandshake(err error) bool {
	var he *Error
	return errors.As(err, &he)
}

// Driver performs the upgrade exchange for one connection attempt. A fresh
// driver is built per attempt; State moves NotStarted → Sent → Completed or
// Failed.
type Driver struct {
	URL       *url.URL
	Version   Version
	Protocols []string
	Headers   http.Header
	TLSConfig *tls.Config

	state State
}

// NewDriver builds a driver for one attempt.
func NewDriver(u *url.URL, version Version, protocols []string, headers http.Header) *Driver {
	return &Driver{
		URL:       u,
		Version:   version,
		Protocols: protocols,
		Headers:   headers,
	}
}

// State reports upgrade progress.
func (d *Driver) State() State { return d.state }

// Do dials the endpoint and runs the upgrade exchange. The supplied context
// bounds both the TCP connect and the handshake.
func (d *Driver) Do(ctx context.Context) (Conn, error) {
	d.state = Sent

	var (
		conn Conn
		err  error
	)
	switch d.Version {
	case V00:
		conn, err = d.doHixie(ctx)
	default:
		conn, err = d.doV13(ctx)
	}

	if err != nil {
		d.state = Failed
		return nil, err
	}
	d.state = Completed
	return conn, nil
}

func (d *Driver) doV13(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		Subprotocols:    d.Protocols,
		TLSClientConfig: d.TLSConfig,
	}

	headers := make(http.Header, len(d.Headers))
	for k, vs := range d.Headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL.String(), headers)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) {
			status := "no response"
			if resp != nil {
				status = resp.Status
			}
			return nil, &Error{Cause: fmt.Errorf("upgrade rejected (%s): %w", status, err)}
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL.Host, err)
	}
	return conn, nil
}

// joinProtocols renders the Sec-WebSocket-Protocol value.
func joinProtocols(protocols []string) string {
	return strings.Join(protocols, ",")
}
