package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomrelay/internal/config"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/users"
)

// Client is one WebSocket connection. It reads inbound frames into the
// gateway's event sink and writes queued outbound frames, one per message.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	gateway     *Gateway
	identity    *users.Identity
	closed      bool
	ws          config.WebSocketConfig
	rateLimiter *rateLimiter
	log         zerolog.Logger
}

// NewClient wraps conn. identity is nil for anonymous connections.
func NewClient(id string, conn *websocket.Conn, g *Gateway, identity *users.Identity, addr string) *Client {
	log := g.log.With().Str(logging.FieldConnID, id).Str(logging.FieldClientIP, addr).Logger()
	if identity != nil {
		log = log.With().Str(logging.FieldUsername, identity.Username).Logger()
	}

	if conn != nil {
		conn.SetReadLimit(g.ws.MaxMessageSize)
	}

	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, g.ws.SendBuffer),
		gateway:     g,
		identity:    identity,
		ws:          g.ws,
		rateLimiter: newRateLimiter(g.rateLimit.Burst, g.rateLimit.RefillInterval),
		log:         log,
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.ws.PongWait)); err != nil {
			c.log.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.ws.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.log.Debug().Err(err).Msg("websocket read ended")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.gateway.release(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()
	ctx := logging.WithLogger(context.Background(), c.log)

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if !c.rateLimiter.allow() {
			c.log.Warn().
				Int("burst", c.gateway.rateLimit.Burst).
				Dur("refill", c.gateway.rateLimit.RefillInterval).
				Msg("rate limit exceeded, discarding message")
			continue
		}

		// Failures stay inside the event; the hub has already logged them.
		_ = c.gateway.events.Handle(ctx, c.id, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.ws.PingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.write(frame, ok) {
				return
			}
		case <-ticker.C:
			if !c.ping() {
				return
			}
		}
	}
}

// write sends one frame, or a close message once the send channel is closed.
func (c *Client) write(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

func (c *Client) ping() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ws.WriteWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing ping")
		}
		return false
	}
	return true
}
