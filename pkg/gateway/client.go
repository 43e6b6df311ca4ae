package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const clientLogPrefix = "gateway:client"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendBufferSize = 64
)

// Client is one authenticated websocket connection. Frames are queued on send
// and written by a single writer goroutine.
type Client struct {
	id      string
	session Session
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(session Session, conn *websocket.Conn, limiter *rate.Limiter) *Client {
	return &Client{
		id:      session.ConnectionID,
		session: session,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: limiter,
		closed:  make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Session returns the session bound to the connection.
func (c *Client) Session() Session { return c.session }

// Send queues frame for writing. It returns false when the client is closed or
// its buffer is full.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		zap.S().Warnf("%s - send buffer full for %s, dropping frame", clientLogPrefix, c.id)
		return false
	}
}

// Close closes the connection once. Queued frames are discarded.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Done is closed when the client closes.
func (c *Client) Done() <-chan struct{} { return c.closed }

// allow reports whether the limiter admits one more inbound frame.
func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				zap.S().Debugf("%s - write to %s failed: %v", clientLogPrefix, c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) readPump(onFrame func(*Client, []byte)) error {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return err
			}
			return nil
		}
		if len(raw) == 0 {
			continue
		}
		onFrame(c, raw)
	}
}
