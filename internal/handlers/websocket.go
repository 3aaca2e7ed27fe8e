package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one participant's websocket connection.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// HandleSignaling upgrades the request and serves one participant until the
// connection drops. GET /ws/:roomId joins that room straight away.
func HandleSignaling(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Str("module", "relay").Err(err).Msg("failed to upgrade connection")
			return
		}

		client := newClient(conn)
		h.register(client)
		log.Info().Str("module", "relay").Str("participant", client.ID).Str("remote", conn.RemoteAddr().String()).Msg("participant connected")

		if room := c.Param("roomId"); room != "" {
			h.join(client, room)
		}

		go client.writePump()
		go client.readPump(h)
	}
}

// enqueue queues data for the write pump. A full buffer drops the message
// for this client only.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		log.Warn().Str("module", "relay").Str("participant", c.ID).Msg("send buffer full, dropping message")
		return false
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// closeWith sends a close frame and drops the connection. The read pump
// then unregisters the client.
func (c *Client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.Conn.Close()
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Str("module", "relay").Str("participant", c.ID).Err(err).Msg("websocket error")
			}
			return
		}
		h.dispatch(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Str("module", "relay").Str("participant", c.ID).Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
