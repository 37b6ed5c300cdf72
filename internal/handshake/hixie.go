package handshake

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBinaryUnsupported is returned when a binary message is written to a
// hixie-76 connection; the draft has no binary frame type.
var ErrBinaryUnsupported = errors.New("handshake: hixie-76 has no binary frames")

// doHixie runs the draft-76 handshake: two numeric keys in headers, an
// 8-byte key in the body, and a 16-byte MD5 challenge response that arrives
// as the response body before any frames.
func (d *Driver) doHixie(ctx context.Context) (Conn, error) {
	netConn, err := d.dialHixie(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL.Host, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	conn, err := d.upgradeHixie(netConn)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	netConn.SetDeadline(time.Time{})
	return conn, nil
}

func (d *Driver) dialHixie(ctx context.Context) (net.Conn, error) {
	host := d.URL.Host
	if d.URL.Port() == "" {
		if d.URL.Scheme == "wss" {
			host = net.JoinHostPort(host, "443")
		} else {
			host = net.JoinHostPort(host, "80")
		}
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}

	if d.URL.Scheme == "wss" {
		cfg := d.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: d.URL.Hostname()}
		}
		tlsConn := tls.Client(netConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return netConn, nil
}

func (d *Driver) upgradeHixie(netConn net.Conn) (Conn, error) {
	key1, n1 := hixieKey()
	key2, n2 := hixieKey()
	var key3 [8]byte
	for i := range key3 {
		key3[i] = byte(rand.Intn(256))
	}

	requestURI := d.URL.RequestURI()
	if requestURI == "" {
		requestURI = "/"
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", requestURI)
	fmt.Fprintf(&req, "Host: %s\r\n", d.URL.Host)
	req.WriteString("Upgrade: WebSocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key1: %s\r\n", key1)
	fmt.Fprintf(&req, "Sec-WebSocket-Key2: %s\r\n", key2)
	if d.Headers.Get("Origin") == "" {
		fmt.Fprintf(&req, "Origin: http://%s\r\n", d.URL.Host)
	}
	if len(d.Protocols) > 0 {
		fmt.Fprintf(&req, "Sec-WebSocket-Protocol: %s\r\n", joinProtocols(d.Protocols))
	}
	for k, vs := range d.Headers {
		for _, v := range vs {
			fmt.Fprintf(&req, "%s: %s\r\n", k, v)
		}
	}
	req.WriteString("\r\n")
	req.Write(key3[:])

	if _, err := netConn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("write upgrade request: %w", err)
	}

	br := bufio.NewReader(netConn)
	tp := textproto.NewReader(br)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, &Error{Cause: fmt.Errorf("read status line: %w", err)}
	}
	if !strings.Contains(statusLine, "101") {
		return nil, &Error{Cause: fmt.Errorf("unexpected status %q", statusLine)}
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, &Error{Cause: fmt.Errorf("read response headers: %w", err)}
	}

	// The 16-byte challenge response is the body of every hixie-76 upgrade
	// response; it must be consumed here, before frame parsing starts.
	var challenge [16]byte
	if _, err := io.ReadFull(br, challenge[:]); err != nil {
		return nil, &Error{Cause: fmt.Errorf("read challenge response: %w", err)}
	}
	if expected := hixieChallenge(n1, n2, key3); challenge != expected {
		return nil, &Error{Cause: errors.New("challenge response mismatch")}
	}

	return &hixieConn{
		conn:        netConn,
		br:          br,
		subprotocol: header.Get("Sec-Websocket-Protocol"),
	}, nil
}

// hixieKey produces a Sec-WebSocket-Key1/2 value: the digits of
// number*spaces with random noise characters and `spaces` interior spaces.
func hixieKey() (string, uint32) {
	spaces := rand.Intn(12) + 1
	max := uint64(4294967295) / uint64(spaces)
	number := uint64(rand.Int63n(int64(max + 1)))
	product := strconv.FormatUint(number*uint64(spaces), 10)

	chars := []byte(product)
	for i := 0; i < rand.Intn(12)+1; i++ {
		var c byte
		if rand.Intn(2) == 0 {
			c = byte(0x21 + rand.Intn(0x2f-0x21+1))
		} else {
			c = byte(0x3a + rand.Intn(0x7e-0x3a+1))
		}
		pos := rand.Intn(len(chars) + 1)
		chars = append(chars[:pos], append([]byte{c}, chars[pos:]...)...)
	}
	for i := 0; i < spaces; i++ {
		pos := rand.Intn(len(chars)-1) + 1
		chars = append(chars[:pos], append([]byte{' '}, chars[pos:]...)...)
	}
	return string(chars), uint32(number)
}

// hixieChallenge computes the expected 16-byte response for the two numeric
// keys and the 8-byte body key.
func hixieChallenge(n1, n2 uint32, key3 [8]byte) [16]byte {
	var input [16]byte
	binary.BigEndian.PutUint32(input[0:4], n1)
	binary.BigEndian.PutUint32(input[4:8], n2)
	copy(input[8:], key3[:])
	return md5.Sum(input[:])
}

// decodeHixieKey recovers the numeric value of a key: digits divided by the
// space count.
func decodeHixieKey(key string) (uint32, error) {
	var digits strings.Builder
	spaces := 0
	for _, r := range key {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ':
			spaces++
		}
	}
	if spaces == 0 {
		return 0, errors.New("key has no spaces")
	}
	n, err := strconv.ParseUint(digits.String(), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint32(n / uint64(spaces)), nil
}

// hixieConn adapts a hixie-76 framed stream to the Conn interface. Text
// frames are 0x00 … 0xFF; close is 0xFF 0x00; there are no control or
// binary frames.
type hixieConn struct {
	conn        net.Conn
	br          *bufio.Reader
	subprotocol string

	wmu sync.Mutex
}

func (h *hixieConn) ReadMessage() (int, []byte, error) {
	for {
		b, err := h.br.ReadByte()
		if err != nil {
			return 0, nil, err
		}

		if b&0x80 == 0 {
			data, err := h.br.ReadBytes(0xFF)
			if err != nil {
				return 0, nil, err
			}
			data = data[:len(data)-1]
			if b == 0x00 {
				return websocket.TextMessage, data, nil
			}
			continue // unknown sentinel-framed type, dropped
		}

		length, err := h.readLength()
		if err != nil {
			return 0, nil, err
		}
		if b == 0xFF && length == 0 {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		if _, err := io.CopyN(io.Discard, h.br, length); err != nil {
			return 0, nil, err
		}
	}
}

func (h *hixieConn) readLength() (int64, error) {
	var length int64
	for {
		b, err := h.br.ReadByte()
		if err != nil {
			return 0, err
		}
		length = length<<7 | int64(b&0x7F)
		if b&0x80 == 0 {
			return length, nil
		}
	}
}

func (h *hixieConn) WriteMessage(messageType int, data []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()

	switch messageType {
	case websocket.TextMessage:
		frame := make([]byte, 0, len(data)+2)
		frame = append(frame, 0x00)
		frame = append(frame, data...)
		frame = append(frame, 0xFF)
		_, err := h.conn.Write(frame)
		return err
	case websocket.CloseMessage:
		_, err := h.conn.Write([]byte{0xFF, 0x00})
		return err
	case websocket.PingMessage, websocket.PongMessage:
		return nil // no control frames in hixie-76
	default:
		return ErrBinaryUnsupported
	}
}

func (h *hixieConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if !deadline.IsZero() {
		h.conn.SetWriteDeadline(deadline)
		defer h.conn.SetWriteDeadline(time.Time{})
	}
	return h.WriteMessage(messageType, data)
}

func (h *hixieConn) SetReadDeadline(t time.Time) error { return h.conn.SetReadDeadline(t) }

func (h *hixieConn) SetPongHandler(func(string) error) {}
func (h *hixieConn) SetPingHandler(func(string) error) {}

func (h *hixieConn) Subprotocol() string { return h.subprotocol }

func (h *hixieConn) Close() error { return h.conn.Close() }
