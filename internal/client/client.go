// Package client implements the resilient WebSocket client: the connection
// lifecycle state machine, offline buffering, reconnect throttling, idle
// pinging, and the ack layer, behind a small async facade.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hookup/internal/ack"
	"github.com/nextlevelbuilder/hookup/internal/handshake"
	"github.com/nextlevelbuilder/hookup/internal/throttle"
	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

// ErrNotConnected reports a write that lost its transport before hitting
// the wire.
var ErrNotConnected = errors.New("client: not connected")

const closeTimeout = 30 * time.Second

type outFrame struct {
	messageType int
	data        []byte
	fut         *ResultFuture // nil when resolution is owned elsewhere
}

// Client maintains one logical connection across transient failures.
//
// Connect, Disconnect, Reconnect and Send return futures; the inbound
// stream (payloads, ack failures, lifecycle events) is pushed to the
// handler installed with Receive, in wire order.
type Client struct {
	settings Settings

	mu             sync.Mutex
	phase          Phase
	conn           handshake.Conn
	connGen        int
	writeCh        chan outFrame
	connClosed     chan struct{}
	isClosing      bool
	isReconnecting bool
	inEpisode      bool // Reconnecting already emitted for this episode
	current        throttle.Throttle
	connected      *ResultFuture
	retryTimer     *time.Timer
	reconnectAbort chan struct{}
	closeSeq       int

	acks *ack.Registry

	handlerMu sync.RWMutex
	handler   func(wire.InMessage) bool

	events    chan wire.InMessage
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a client for the given settings. No connection is made until
// Connect.
func New(settings Settings) *Client {
	c := &Client{
		settings:  settings,
		phase:     PhaseIdle,
		current:   settings.Throttle,
		connected: newFuture(),
		events:    make(chan wire.InMessage, 256),
		done:      make(chan struct{}),
	}
	c.acks = ack.New(c.emit)
	go c.dispatchLoop()
	return c
}

// Settings returns the immutable client configuration.
func (c *Client) Settings() Settings { return c.settings }

// Receive installs the application handler. The handler sees every inbound
// message including lifecycle events; returning false lets a message fall
// through silently.
func (c *Client) Receive(handler func(wire.InMessage) bool) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

// IsConnected reports whether the connection is Open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == PhaseOpen
}

// Phase reports the current lifecycle state.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Connect drives Idle/Closed toward Open. The returned future resolves
// Success once the handshake is complete and any buffered messages have
// been replayed, or Cancelled when the reconnect schedule runs out or the
// user disconnects. Each individual attempt is bounded by ConnectTimeout.
func (c *Client) Connect() *ResultFuture {
	c.mu.Lock()
	switch c.phase {
	case PhaseOpen:
		c.mu.Unlock()
		return resolvedFuture(ResultSuccess)
	case PhaseConnecting, PhaseHandshaking, PhaseReconnecting:
		fut := c.connected
		c.mu.Unlock()
		return fut
	case PhaseClosing:
		c.mu.Unlock()
		return resolvedFuture(ResultCancelled)
	}

	// Idle or Closed: a fresh session.
	c.isClosing = false
	c.isReconnecting = false
	c.inEpisode = false
	c.current = c.settings.Throttle
	if c.connected.Resolved() {
		c.connected = newFuture()
	}
	fut := c.connected
	c.phase = PhaseConnecting
	if buf := c.settings.Buffer; buf != nil {
		if err := buf.Open(); err != nil {
			slog.Warn("backup buffer open failed", "error", err)
		}
	}
	c.mu.Unlock()

	go c.attempt()
	return fut
}

// attempt runs one dial + handshake and, on success, the open sequence:
// buffer replay, throttle reset, pump start, Connected event.
func (c *Client) attempt() {
	c.mu.Lock()
	if c.isClosing {
		c.mu.Unlock()
		return
	}
	driver := handshake.NewDriver(c.settings.URL, c.settings.Version, c.settings.Protocols, c.settings.Headers)
	timeout := c.settings.ConnectTimeout
	c.phase = PhaseHandshaking
	c.mu.Unlock()

	attemptID := uuid.NewString()[:8]
	slog.Debug("connecting", "attempt", attemptID, "url", c.settings.URL.String(), "version", c.settings.Version)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	conn, err := driver.Do(ctx)
	cancel()

	c.mu.Lock()
	if c.isClosing {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		if handshake.IsHandshake(err) {
			slog.Warn("handshake failed", "attempt", attemptID, "error", err)
		} else {
			slog.Debug("connect failed", "attempt", attemptID, "error", err)
		}
		c.scheduleRetryLocked(err, nil)
		return
	}

	// Replay the backup buffer before the phase flips to Open, so replayed
	// messages precede any post-Connected sends. Sends racing this hold the
	// same lock and either land in the buffer in time to be drained or see
	// PhaseOpen and go straight to the transport.
	if buf := c.settings.Buffer; buf != nil {
		if derr := buf.Drain(context.Background(), func(msg wire.OutMessage) error {
			return c.writeDirect(conn, msg)
		}); derr != nil {
			conn.Close()
			slog.Warn("buffer replay failed", "attempt", attemptID, "error", derr)
			c.scheduleRetryLocked(derr, nil)
			return
		}
	}

	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.writeCh = make(chan outFrame, 256)
	c.connClosed = make(chan struct{})
	c.current = c.settings.Throttle // schedule rewinds on every successful open
	c.isReconnecting = false
	c.inEpisode = false
	c.phase = PhaseOpen
	fut := c.connected
	c.installKeepalive(conn)
	go c.writePump(conn, c.writeCh, c.connClosed, gen)
	go c.readPump(conn, gen)
	c.mu.Unlock()

	slog.Info("connected", "attempt", attemptID, "url", c.settings.URL.String(), "subprotocol", conn.Subprotocol())
	fut.resolve(ResultSuccess, nil)
	c.emit(wire.Connected{})
}

// writeDirect renders and writes one message outside the pump, used for
// buffer replay while the connection is not yet Open.
func (c *Client) writeDirect(conn handshake.Conn, msg wire.OutMessage) error {
	if na, ok := msg.(wire.NeedsAck); ok {
		msg = na.Inner
	}
	if b, ok := msg.(wire.BinaryMessage); ok {
		return conn.WriteMessage(websocket.BinaryMessage, b.Content)
	}
	payload, err := c.settings.Format.Render(msg)
	if err != nil {
		slog.Warn("dropping unreplayable buffered message", "error", err)
		return nil
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// scheduleRetryLocked consumes one throttle step after a failed attempt or
// a lost connection. Called with c.mu held; unlocks before emitting.
func (c *Client) scheduleRetryLocked(cause error, events []wire.InMessage) {
	th := c.current
	if th == nil {
		th = throttle.None{}
	}
	if th.Terminal() {
		c.closeTerminallyLocked(cause, events)
		return
	}
	delay := th.Delay()
	c.current = th.Next()
	if !c.inEpisode {
		c.inEpisode = true
		events = append(events, wire.Reconnecting{})
	}
	c.phase = PhaseReconnecting
	c.retryTimer = time.AfterFunc(delay, c.retry)
	c.mu.Unlock()

	slog.Debug("retrying", "delay", delay.String())
	for _, e := range events {
		c.emit(e)
	}
}

func (c *Client) retry() {
	c.mu.Lock()
	if c.isClosing || c.phase != PhaseReconnecting {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseConnecting
	c.mu.Unlock()
	c.attempt()
}

// closeTerminallyLocked ends the session after the reconnect schedule is
// exhausted. Called with c.mu held; unlocks before emitting.
func (c *Client) closeTerminallyLocked(cause error, events []wire.InMessage) {
	c.teardownConnLocked()
	c.phase = PhaseClosed
	c.isReconnecting = false
	c.inEpisode = false
	fut := c.connected
	c.connected = newFuture()
	buf := c.settings.Buffer
	c.mu.Unlock()

	c.acks.Clear()
	if buf != nil {
		if err := buf.Close(); err != nil {
			slog.Warn("backup buffer close failed", "error", err)
		}
	}
	fut.resolve(ResultCancelled, cause)
	events = append(events, wire.Disconnected{Reason: cause})
	for _, e := range events {
		c.emit(e)
	}
}

// teardownConnLocked releases the active transport and invalidates the
// pumps of the current connection generation.
func (c *Client) teardownConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.connClosed != nil {
		close(c.connClosed)
		c.connClosed = nil
	}
	c.writeCh = nil
	c.connGen++
}

// connLost handles a transport failure reported by either pump. Stale
// generations (already torn down) and user-initiated closes are ignored.
func (c *Client) connLost(gen int, err error) {
	c.mu.Lock()
	if gen != c.connGen || c.isClosing {
		c.mu.Unlock()
		return
	}
	c.teardownConnLocked()

	var events []wire.InMessage
	if !isCleanClose(err) {
		events = append(events, wire.ErrorMessage{Cause: err})
	}
	c.scheduleRetryLocked(err, events)
}

// isCleanClose reports peer-initiated closes that are normal lifecycle, not
// errors worth surfacing.
func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// Send writes a message if Open, or diverts it to the backup buffer while
// disconnected. While Open, ack-wrapped messages resolve when the matching
// Ack arrives (Success) or their timeout fires (Cancelled); everything else
// resolves once the transport accepts the frame. While not Open, the send
// resolves Success as soon as it is buffered (ack-wrapped messages are
// buffered as their inner message, without ack tracking) or, with no
// buffer, dropped.
func (c *Client) Send(out wire.OutMessage) *ResultFuture {
	fut := newFuture()

	c.mu.Lock()
	if c.phase != PhaseOpen {
		buf := c.settings.Buffer
		msg := out
		if na, ok := out.(wire.NeedsAck); ok {
			// Ack tracking needs a live transport; a buffered send replays
			// the payload without it.
			msg = na.Inner
		}
		if buf == nil {
			c.mu.Unlock()
			slog.Debug("send while disconnected without buffer, dropping")
			fut.resolve(ResultSuccess, nil)
			return fut
		}
		err := buf.Write(msg)
		c.mu.Unlock()
		if err != nil {
			fut.resolve(ResultCancelled, err)
		} else {
			fut.resolve(ResultSuccess, nil)
		}
		return fut
	}
	c.mu.Unlock()

	switch m := out.(type) {
	case wire.NeedsAck:
		id := c.acks.Track(m.Inner, m.Timeout, func(acked bool) {
			if acked {
				fut.resolve(ResultSuccess, nil)
			} else {
				fut.resolve(ResultCancelled, nil)
			}
		})
		payload, err := c.settings.Format.Render(wire.AckRequest{ID: id, Inner: m.Inner})
		if err != nil {
			fut.resolve(ResultCancelled, err)
			return fut
		}
		c.enqueue(outFrame{messageType: websocket.TextMessage, data: []byte(payload)})
	case wire.BinaryMessage:
		c.enqueue(outFrame{messageType: websocket.BinaryMessage, data: m.Content, fut: fut})
	default:
		payload, err := c.settings.Format.Render(out)
		if err != nil {
			fut.resolve(ResultCancelled, err)
			return fut
		}
		c.enqueue(outFrame{messageType: websocket.TextMessage, data: []byte(payload), fut: fut})
	}
	return fut
}

func (c *Client) enqueue(f outFrame) {
	c.mu.Lock()
	ch, closed := c.writeCh, c.connClosed
	c.mu.Unlock()

	if ch == nil {
		if f.fut != nil {
			f.fut.resolve(ResultCancelled, ErrNotConnected)
		}
		return
	}
	select {
	case ch <- f:
	case <-closed:
		if f.fut != nil {
			f.fut.resolve(ResultCancelled, ErrNotConnected)
		}
	}
}

// Disconnect drives the connection to Closed: close frame, transport
// release, buffer close and a Disconnected event (both skipped when the
// disconnect is part of a reconnect cycle). Resolves Success even when
// already Closed.
func (c *Client) Disconnect() *ResultFuture {
	c.mu.Lock()
	c.isClosing = true
	c.closeSeq++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.reconnectAbort != nil {
		close(c.reconnectAbort)
		c.reconnectAbort = nil
	}
	wasReconnecting := c.isReconnecting
	buf := c.settings.Buffer

	switch c.phase {
	case PhaseClosed, PhaseIdle, PhaseClosing:
		if c.phase != PhaseClosing {
			c.phase = PhaseClosed
		}
		c.mu.Unlock()
		return resolvedFuture(ResultSuccess)

	case PhaseConnecting, PhaseHandshaking, PhaseReconnecting:
		// No live transport; any connection the in-flight attempt produces
		// is dropped when it observes isClosing.
		c.teardownConnLocked()
		c.phase = PhaseClosed
		c.isReconnecting = false
		connectFut := c.connected
		c.connected = newFuture()
		var events []wire.InMessage
		if !wasReconnecting {
			c.inEpisode = false
			events = append(events, wire.Disconnected{})
		}
		c.mu.Unlock()

		c.acks.Clear()
		if !wasReconnecting && buf != nil {
			buf.Close()
		}
		connectFut.resolve(ResultCancelled, nil)
		for _, e := range events {
			c.emit(e)
		}
		return resolvedFuture(ResultSuccess)
	}

	// Open: send a close frame, then release the transport.
	c.phase = PhaseClosing
	conn := c.conn
	c.conn = nil
	if c.connClosed != nil {
		close(c.connClosed)
		c.connClosed = nil
	}
	c.writeCh = nil
	c.connGen++
	c.isReconnecting = false
	connectFut := c.connected
	c.connected = newFuture()
	c.mu.Unlock()

	fut := newFuture()
	go func() {
		deadline := time.Now().Add(time.Second)
		if err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
			slog.Debug("close frame write failed", "error", err)
		}
		conn.Close()

		c.mu.Lock()
		c.phase = PhaseClosed
		if !wasReconnecting {
			c.inEpisode = false
		}
		c.mu.Unlock()

		c.acks.Clear()
		if !wasReconnecting {
			if buf != nil {
				buf.Close()
			}
			c.emit(wire.Disconnected{})
		}
		connectFut.resolve(ResultCancelled, nil)
		fut.resolve(ResultSuccess, nil)
	}()
	return fut
}

// Reconnect tears the connection down and dials again after the next
// throttle delay. The Reconnecting event fires at most once per episode.
// Resolves Cancelled when the schedule is already exhausted.
func (c *Client) Reconnect() *ResultFuture {
	c.mu.Lock()
	th := c.current
	if th == nil {
		th = c.settings.Throttle
	}
	if th == nil || th.Terminal() {
		c.mu.Unlock()
		return resolvedFuture(ResultCancelled)
	}
	delay := th.Delay()
	c.current = th.Next()
	var events []wire.InMessage
	if !c.inEpisode {
		c.inEpisode = true
		events = append(events, wire.Reconnecting{})
	}
	c.isReconnecting = true
	c.mu.Unlock()
	for _, e := range events {
		c.emit(e)
	}

	dfut := c.Disconnect()
	fut := newFuture()
	go func() {
		<-dfut.Done()

		c.mu.Lock()
		seq := c.closeSeq
		abort := make(chan struct{})
		c.reconnectAbort = abort
		c.mu.Unlock()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-abort:
			fut.resolve(ResultCancelled, nil)
			return
		}

		c.mu.Lock()
		if c.reconnectAbort == abort {
			c.reconnectAbort = nil
		}
		if c.closeSeq != seq || c.phase != PhaseClosed {
			// The user closed (or reopened) the client during the delay.
			c.mu.Unlock()
			fut.resolve(ResultCancelled, nil)
			return
		}
		c.isClosing = false
		c.phase = PhaseConnecting
		if c.connected.Resolved() {
			c.connected = newFuture()
		}
		cfut := c.connected
		c.mu.Unlock()

		go c.attempt()

		<-cfut.Done()
		fut.resolve(cfut.Result())
	}()
	return fut
}

// Close performs a blocking disconnect bounded by 30 seconds and stops the
// event dispatcher.
func (c *Client) Close() error {
	fut := c.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_, err := fut.Await(ctx)
	c.closeOnce.Do(func() { close(c.done) })
	return err
}

func (c *Client) emit(msg wire.InMessage) {
	select {
	case c.events <- msg:
	case <-c.done:
	}
}

// dispatchLoop delivers inbound messages to the application handler, one at
// a time, in arrival order.
func (c *Client) dispatchLoop() {
	for {
		select {
		case msg := <-c.events:
			c.deliver(msg)
		case <-c.done:
			for {
				select {
				case msg := <-c.events:
					c.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) deliver(msg wire.InMessage) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h == nil || !h(msg) {
		slog.Debug("unhandled inbound message", "type", fmt.Sprintf("%T", msg))
	}
}
