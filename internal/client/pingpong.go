package client

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hookup/internal/handshake"
)

const pingWriteWait = 10 * time.Second

// installKeepalive wires liveness probing for a fresh connection: peer
// pings are answered with pongs, and when Pinging is set the read deadline
// is armed at twice the idle interval and refreshed by traffic and pongs.
func (c *Client) installKeepalive(conn handshake.Conn) {
	idle := c.settings.Pinging

	conn.SetPingHandler(func(appData string) error {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * idle))
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pingWriteWait))
	})

	if idle <= 0 {
		return
	}
	conn.SetReadDeadline(time.Now().Add(2 * idle))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * idle))
		return nil
	})
}

// sendPing emits one ping frame from the write pump when the connection has
// been write-idle for the configured interval.
func (c *Client) sendPing(conn handshake.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait))
}
