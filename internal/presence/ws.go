package presence

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"planboard/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 128
)

var errSlowConsumer = errors.New("presence connection too slow")

// wsConn queues outbound messages for a single writer goroutine so that
// Channel never waits on the network.
type wsConn struct {
	ws     *websocket.Conn
	out    chan any
	done   chan struct{}
	closed sync.Once
}

func (c *wsConn) Send(msg any) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *wsConn) close() {
	c.closed.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and runs the connection until the client goes
// away. Malformed messages are skipped; they do not end the connection.
func (c *Channel) ServeWS(w http.ResponseWriter, r *http.Request, id Identity) {
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("presence upgrade failed")
		return
	}

	conn := &wsConn{ws: ws, out: make(chan any, sendBuffer), done: make(chan struct{})}
	defer conn.close()
	go conn.writeLoop()

	session := c.Connect(conn, id)
	defer c.Disconnect(session)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Str("instance_id", session.instanceID).Msg("presence read ended")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.metrics.PresenceMessage("invalid", "ignored")
			continue
		}
		c.Handle(r.Context(), session, msg)
	}
}

// checkOrigin admits non-browser clients, same-host pages and the configured
// origins.
func (c *Channel) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return util.OriginAllowed(c.allowedOrigins, origin)
}
