package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	websocketWriteTimeout = 10 * time.Second
	websocketPongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type pokeFrame struct {
	Event string `json:"event"`
}

// handlePokeWebsocket serves pokes over a websocket. Each poke becomes one
// `{"event":"poke"}` frame; any send failure drops the connection and the
// client reconnects. The read side exists only to observe close frames and
// pong replies.
func (h *httpHandler) handlePokeWebsocket(c *gin.Context) {
	channel, ok := h.pokeChannelFor(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	stream, cleanup := h.poke.Subscribe(c.Request.Context(), channel)
	defer cleanup()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(websocketPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(websocketPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
			if err := conn.WriteJSON(pokeFrame{Event: PokeEventName}); err != nil {
				h.logger.Debug("poke send failed, dropping connection", zap.Error(err))
				return
			}
		}
	}
}
