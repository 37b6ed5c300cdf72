package client

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hookup/internal/handshake"
	"github.com/nextlevelbuilder/hookup/pkg/wire"
)

// readPump reads frames for one connection generation and feeds the router
// until the transport fails.
func (c *Client) readPump(conn handshake.Conn, gen int) {
	idle := c.settings.Pinging
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.connLost(gen, err)
			return
		}
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * idle))
		}
		c.route(messageType, data)
	}
}

// route demultiplexes one decoded frame: ack traffic to the registry,
// payloads to the application stream. Frame types outside text and binary
// are dropped; fragmentation in particular is not reassembled here.
func (c *Client) route(messageType int, data []byte) {
	switch messageType {
	case websocket.TextMessage:
		switch msg := c.settings.Format.ParseInMessage(string(data)).(type) {
		case wire.Ack:
			c.acks.Resolve(msg.ID)
		case wire.AckRequest:
			c.emit(msg.Inner)
			c.sendAck(msg.ID)
		default:
			c.emit(msg)
		}
	case websocket.BinaryMessage:
		c.emit(wire.BinaryMessage{Content: data})
	default:
		slog.Warn("unsupported frame, dropping", "type", messageType)
	}
}

// sendAck answers a peer AckRequest.
func (c *Client) sendAck(id uint64) {
	payload, err := c.settings.Format.Render(wire.Ack{ID: id})
	if err != nil {
		slog.Error("render ack failed", "id", id, "error", err)
		return
	}
	c.enqueue(outFrame{messageType: websocket.TextMessage, data: []byte(payload)})
}

// writePump is the single writer for one connection generation: application
// frames in call order, plus idle pings.
func (c *Client) writePump(conn handshake.Conn, ch chan outFrame, closed chan struct{}, gen int) {
	var pingC <-chan time.Time
	var ticker *time.Ticker
	if c.settings.Pinging > 0 {
		ticker = time.NewTicker(c.settings.Pinging)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case f := <-ch:
			if err := conn.WriteMessage(f.messageType, f.data); err != nil {
				if f.fut != nil {
					f.fut.resolve(ResultCancelled, err)
				}
				c.connLost(gen, err)
				return
			}
			if f.fut != nil {
				f.fut.resolve(ResultSuccess, nil)
			}
			if ticker != nil {
				ticker.Reset(c.settings.Pinging)
			}

		case <-pingC:
			if err := c.sendPing(conn); err != nil {
				c.connLost(gen, err)
				return
			}

		case <-closed:
			return
		}
	}
}
