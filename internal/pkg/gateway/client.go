package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/vreid/quizduel/internal/pkg/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Client is one websocket connection. Send never blocks; when the buffer is
// full the event is dropped and the connection closed.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan event.Event

	closeOnce sync.Once
	done      chan struct{}

	log *slog.Logger
}

func NewClient(conn *websocket.Conn, log *slog.Logger) *Client {
	id := uuid.NewString()

	return &Client{
		id:   id,
		conn: conn,
		send: make(chan event.Event, sendBuffer),
		done: make(chan struct{}),
		log:  log.With("conn", id),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Send(e event.Event) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- e:
	case <-c.done:
	default:
		c.log.Warn("send buffer full, closing connection", "type", e.Type)
		c.Close()
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ReadPump delivers every text frame to handle until the connection fails.
func (c *Client) ReadPump(handle func(raw []byte)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		//nolint:wrapcheck
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("connection read failed", "err", err)
			}

			return
		}

		handle(raw)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case e := <-c.send:
			data, err := json.Marshal(e)
			if err != nil {
				c.log.Error("failed to marshal event", "type", e.Type, "err", err)

				continue
			}

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			err = c.conn.WriteMessage(websocket.TextMessage, data)
			if err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Debug("connection write failed", "err", err)
				}

				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				return
			}
		}
	}
}
