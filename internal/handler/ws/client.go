package ws

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshtalk-backend/pkg/constants"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// Client is one WebSocket connection. userID comes from the JWT at
// upgrade time; the connection participates in routing only after it
// announces itself.
type Client struct {
	hub     *Hub
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte

	connID   string
	userID   uuid.UUID
	username string

	// announced is touched only from the readPump goroutine
	announced bool
}

// enqueue hands a marshalled frame to the write pump. A client whose
// buffer is full is too far behind to be useful; drop the frame and
// let the ping deadline reap the connection.
func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		logger.Warn("client send buffer full, dropping frame",
			zap.String("conn_id", c.connID),
			zap.String("user_id", c.userID.String()))
	}
}

// readPump reads messages from WebSocket
func (c *Client) readPump() {
	defer func() {
		c.gateway.handleDisconnect(c)
		c.conn.Close()
		metrics.SignalingConnectionsActive.Dec()
		<-c.hub.semaphore
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		// The pong doubles as the liveness signal for the presence
		// mirror's TTL. Pong handlers run on this goroutine, so
		// announced is safe to read here.
		if c.announced {
			c.gateway.presence.Heartbeat(context.Background(), c.userID)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("conn_id", c.connID),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		c.gateway.dispatch(c, message)
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
