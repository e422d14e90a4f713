package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/xmarket/xmarket/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades the request and streams hub messages until the client
// goes away. Heartbeat pings keep intermediaries from reaping idle
// connections; a client that misses two intervals is closed.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		sub := h.Subscribe()
		go h.writeLoop(conn, sub)
		h.readLoop(conn, sub)
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(config.WSHeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "slow consumer"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.Unsubscribe(sub)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unsubscribe(sub)
				return
			}
		}
	}
}

// readLoop discards inbound frames; the stream is one-way. It exists to
// service pongs and to notice the peer closing.
func (h *Hub) readLoop(conn *websocket.Conn, sub *Subscriber) {
	defer h.Unsubscribe(sub)

	deadline := 2 * config.WSHeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
